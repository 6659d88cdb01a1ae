package xinbox

import (
	"fmt"
	"strings"
)

// Priority orders delivery. Lower values are delivered first.
type Priority uint8

const (
	PriorityUrgent Priority = iota
	PriorityImportant
	PriorityHigh
	PriorityAboveNormal
	PriorityNormal
	PriorityLow
	PriorityVeryLow
	PriorityLowest
)

// DefaultPriority is used when a sender does not pick one.
const DefaultPriority = PriorityNormal

var priorityNames = [...]string{
	PriorityUrgent:      "URGENT",
	PriorityImportant:   "IMPORTANT",
	PriorityHigh:        "HIGH",
	PriorityAboveNormal: "ABOVE_NORMAL",
	PriorityNormal:      "NORMAL",
	PriorityLow:         "LOW",
	PriorityVeryLow:     "VERY_LOW",
	PriorityLowest:      "LOWEST",
}

// Valid reports whether p is one of the eight defined levels.
func (p Priority) Valid() bool { return p <= PriorityLowest }

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the level names (any case, '-' or '_' separated).
func ParsePriority(s string) (Priority, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for i, name := range priorityNames {
		if name == norm {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}
