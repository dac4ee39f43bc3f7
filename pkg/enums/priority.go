package enums

import "fmt"

// Priority orders events within a single dispatch batch claim. It is stored as
// a smallint so the claim query can sort on it directly.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) IsValid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts raw input into a Priority.
func ParsePriority(value string) (Priority, error) {
	for candidate, name := range priorityNames {
		if name == value {
			return candidate, nil
		}
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q", value)
}
