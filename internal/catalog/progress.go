package catalog

import "fmt"

// Progress is the tagged state of a FileRecord. It replaces the magic-number
// progress column at every API boundary except the sqlite row itself.
type Progress int

const (
	AtSource         Progress = 0
	AtStaging        Progress = 1
	AtDestination    Progress = 2
	MarkedForRemoval Progress = -1
)

func (p Progress) String() string {
	switch p {
	case AtSource:
		return "at-source"
	case AtStaging:
		return "at-staging"
	case AtDestination:
		return "at-destination"
	case MarkedForRemoval:
		return "marked-for-removal"
	default:
		return fmt.Sprintf("progress(%d)", int(p))
	}
}
