package engine

import "strings"

// defaultPriority is the list-manager "medium" priority used for CRM
// activity types with no explicit entry.
const defaultPriority = 2

// typePriorities maps CRM activity types onto the list manager's 1..4
// priority scale (4 is most urgent).
var typePriorities = map[string]int{
	"call":     4,
	"deadline": 4,
	"meeting":  3,
	"email":    3,
	"task":     2,
	"lunch":    1,
}

// PriorityForType returns the list priority for a CRM activity type.
// Unrecognized types map to medium.
func PriorityForType(activityType string) int {
	if p, ok := typePriorities[strings.ToLower(activityType)]; ok {
		return p
	}
	return defaultPriority
}
