package core

import (
	"strings"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// defaultRemoteStatus maps internal statuses to Teamwork status names.
var defaultRemoteStatus = map[models.InternalStatus]string{
	models.StatusNew:        "New",
	models.StatusInProgress: "In progress",
	models.StatusComplete:   "Done",
	models.StatusReview:     "Review",
	models.StatusBlocked:    "Failed",
}

// StatusMap translates between the internal status vocabulary and the names
// used by a particular tracker.
type StatusMap struct {
	toRemote   map[models.InternalStatus]string
	toInternal map[string]models.InternalStatus
}

// NewStatusMap builds a StatusMap from the defaults with overrides applied.
// Override keys are internal status names and values are remote names.
func NewStatusMap(overrides map[string]string) *StatusMap {
	m := &StatusMap{
		toRemote:   make(map[models.InternalStatus]string, len(defaultRemoteStatus)),
		toInternal: make(map[string]models.InternalStatus),
	}
	for internal, remote := range defaultRemoteStatus {
		m.toRemote[internal] = remote
	}
	for internal, remote := range overrides {
		remote = strings.TrimSpace(remote)
		if remote == "" {
			continue
		}
		m.toRemote[models.InternalStatus(strings.ToLower(strings.TrimSpace(internal)))] = remote
	}

	for internal, remote := range m.toRemote {
		m.toInternal[strings.ToLower(remote)] = internal
	}
	// Both names of the terminal state read back as blocked.
	for _, alias := range []string{"failed", "blocked"} {
		if _, ok := m.toInternal[alias]; !ok {
			m.toInternal[alias] = models.StatusBlocked
		}
	}
	return m
}

// ToRemote returns the remote status name for s. Unknown statuses pass
// through unchanged.
func (m *StatusMap) ToRemote(s models.InternalStatus) string {
	if remote, ok := m.toRemote[s]; ok {
		return remote
	}
	return string(s)
}

// ToInternal returns the internal status for a remote status name, compared
// case-insensitively. The second result is false for unmapped names.
func (m *StatusMap) ToInternal(remote string) (models.InternalStatus, bool) {
	s, ok := m.toInternal[strings.ToLower(strings.TrimSpace(remote))]
	return s, ok
}
