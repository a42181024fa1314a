package model

// Labels is the index-to-name table of the loaded model's output classes.
type Labels []string

// unknownIndex is the slot models reserve for "not one of the keywords".
const unknownIndex = 1

// Name returns the label of category cat. A below-threshold result (-1)
// maps to the unknown slot when the table has one.
func (l Labels) Name(cat int) string {
	if cat < 0 {
		cat = unknownIndex
	}
	if cat >= len(l) {
		return "unknown"
	}
	return l[cat]
}

// Index returns the category of name, or -1.
func (l Labels) Index(name string) int {
	for i, n := range l {
		if n == name {
			return i
		}
	}
	return -1
}
