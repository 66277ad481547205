package engine

import (
	"certline/internal/domain"
)

// IsActor reports whether viewer authored the monitor's record, either
// directly or by inheriting a reassigned work item. A nil monitor never has an
// actor.
func IsActor(viewer domain.Identity, m *domain.Monitor, certWorkItems []domain.WorkItem) bool {
	if m == nil || m.ActorName == "" {
		return false
	}
	if m.ActorName == viewer.Name {
		return true
	}
	return hasBuckBeenPassed(viewer, m, certWorkItems)
}

// hasBuckBeenPassed reports whether the monitor's original actor had their
// pending work reassigned to viewer. Actors are retained for auditing when a
// work item is forwarded, so authorship follows the owner-change log: viewer
// must be the current owner of a relevant work item whose history contains the
// actor as a previous owner.
//
// A monitor with an acting work item is scoped to that single work item; a
// monitor acted on directly in the certification is scoped to all of the
// certification's work items. An acting work item that no longer exists
// resolves to false.
func hasBuckBeenPassed(viewer domain.Identity, m *domain.Monitor, certWorkItems []domain.WorkItem) bool {
	scope := certWorkItems
	if m.ActingWorkItem != "" {
		scope = nil
		for _, wi := range certWorkItems {
			if wi.ID == m.ActingWorkItem {
				scope = []domain.WorkItem{wi}
				break
			}
		}
	}
	for _, wi := range scope {
		if wi.Owner == viewer.Name && ownerHistoryContains(wi.OwnerHistory, m.ActorName) {
			return true
		}
	}
	return false
}

func ownerHistoryContains(history []domain.OwnerChange, name string) bool {
	for _, oc := range history {
		if oc.FromOwner == name {
			return true
		}
	}
	return false
}
