package disk

import "fmt"

// Family selects the segment family a record is stored in.
type Family uint8

const (
	FamilySmall Family = iota
	FamilyLarge

	numFamilies = 2
)

func (f Family) String() string {
	switch f {
	case FamilySmall:
		return "small"
	case FamilyLarge:
		return "large"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

func (f Family) valid() bool {
	return f < numFamilies
}
