package core

import (
	"strings"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// DefaultAllowedStatuses are the remote statuses a task may be in to be
// picked up, compared case-insensitively.
var DefaultAllowedStatuses = []string{"new", "to do", "review"}

// IsEligible reports whether task is ready for delegation: its status must
// be one of allowed and its description must carry a trigger. An empty
// allowed list falls back to DefaultAllowedStatuses.
func IsEligible(task models.Task, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = DefaultAllowedStatuses
	}
	if !statusAllowed(task.Status, allowed) {
		return false
	}
	return DetectTrigger(task.Description) != models.TriggerNone
}

func statusAllowed(status string, allowed []string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimSpace(a)) == status {
			return true
		}
	}
	return false
}
