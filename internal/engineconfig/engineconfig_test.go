package engineconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestUnmarshalFillsDefaults(t *testing.T) {
	cfg, err := Unmarshal([]byte(`catalog_path: /var/lib/cargoferry/catalog.db`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/cargoferry/catalog.db", cfg.CatalogPath)
	assert.Equal(t, defaultImportWorkers, cfg.ImportWorkers)
	assert.Equal(t, defaultLogLevel, cfg.LogLevel)
}

func TestUnmarshalRejectsBadLogLevel(t *testing.T) {
	_, err := Unmarshal([]byte(`log_level: verbose`))
	assert.Error(t, err)
}

func TestLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cargoferry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("import_workers: 8\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.ImportWorkers)
}
