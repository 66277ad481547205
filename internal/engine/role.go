package engine

import (
	"certline/internal/domain"
	"certline/internal/engine/authz"
)

// Role is the viewer's relation to one certification item and the context it
// is being viewed in. Constructed once per request and read-only afterwards.
type Role struct {
	IsItemActionActor                  bool
	IsItemDelegationRequester          bool
	IsCertifierItemDelegationRequester bool
	IsItemDelegationOwner              bool
	IsIdentityDelegationRequester      bool
	IsIdentityDelegationOwner          bool
	IsCertificationOwner               bool
	IsViewingCertification             bool
	IsViewingItemWorkItem              bool
	IsViewingIdentityWorkItem          bool

	WasItemDecidedDuringIdentityDelegation    bool
	WasItemDecidedOutsideOfIdentityDelegation bool
}

// RoleInput carries everything the classifier reads. Parent is the parent
// certification when Cert is a bulk-reassignment child, nil otherwise.
// WorkItemID is empty when the viewer is in the certification report.
// WorkItems is the certification's full work-item list.
type RoleInput struct {
	Viewer     domain.Identity
	Cert       domain.Certification
	Parent     *domain.Certification
	Entity     domain.CertificationEntity
	Item       domain.CertificationItem
	WorkItemID string
	WorkItems  []domain.WorkItem
}

// NewRole derives the viewer's role facts for one item.
func NewRole(in RoleInput) Role {
	var r Role

	action := in.Item.Action
	itemDel := in.Item.Delegation
	identityDel := in.Entity.Delegation

	r.IsCertificationOwner = authz.IsCertifier(&in.Cert, in.Viewer.Name)
	// A certification admin has full read/write access everywhere.
	if !r.IsCertificationOwner {
		r.IsCertificationOwner = authz.IsCertificationAdmin(&in.Viewer)
	}
	// Owners of the parent of a bulk reassignment act as owners of the child.
	if !r.IsCertificationOwner {
		r.IsCertificationOwner = in.Cert.BulkReassignment && in.Parent != nil &&
			authz.IsCertifier(in.Parent, in.Viewer.Name)
	}

	if itemDel != nil {
		r.IsItemDelegationOwner = itemDel.OwnerName == in.Viewer.Name
	}
	if identityDel != nil {
		r.IsIdentityDelegationOwner = identityDel.OwnerName == in.Viewer.Name
	}

	r.IsItemActionActor = IsActor(in.Viewer, monitorOf(action), in.WorkItems)
	r.IsItemDelegationRequester = IsActor(in.Viewer, delegationMonitor(itemDel), in.WorkItems)
	r.IsIdentityDelegationRequester = IsActor(in.Viewer, delegationMonitor(identityDel), in.WorkItems)

	// No acting work item on the delegation means the certifier, not a
	// delegate, originated it.
	r.IsCertifierItemDelegationRequester = itemDel != nil && itemDel.ActingWorkItem == ""

	actionOccurredInCert := action != nil && action.ActingWorkItem == ""
	r.WasItemDecidedDuringIdentityDelegation = in.Item.DecidedInEntityDelegationChain(identityDel)
	r.WasItemDecidedOutsideOfIdentityDelegation = actionOccurredInCert ||
		(action != nil && !r.WasItemDecidedDuringIdentityDelegation)

	r.IsViewingCertification = in.WorkItemID == ""
	r.IsViewingItemWorkItem = viewingWorkItem(in.WorkItemID, itemDel)
	r.IsViewingIdentityWorkItem = viewingWorkItem(in.WorkItemID, identityDel)

	return r
}

func monitorOf(a *domain.Action) *domain.Monitor {
	if a == nil {
		return nil
	}
	return &a.Monitor
}

func delegationMonitor(d *domain.Delegation) *domain.Monitor {
	if d == nil {
		return nil
	}
	return &d.Monitor
}

func viewingWorkItem(workItemID string, d *domain.Delegation) bool {
	return d != nil && d.WorkItemID != "" && d.WorkItemID == workItemID
}
