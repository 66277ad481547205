package engine_test

import (
	"testing"

	"certline/internal/domain"
	"certline/internal/engine"
)

func TestIsActorDirectMatch(t *testing.T) {
	viewer := domain.Identity{Name: "bob"}
	m := &domain.Monitor{ActorName: "bob"}
	if !engine.IsActor(viewer, m, nil) {
		t.Fatal("actor should match by name")
	}
	if engine.IsActor(viewer, &domain.Monitor{ActorName: "alice"}, nil) {
		t.Fatal("different actor should not match")
	}
	if engine.IsActor(viewer, nil, nil) {
		t.Fatal("nil monitor never resolves to an actor")
	}
}

func TestIsActorBuckPassing(t *testing.T) {
	// Work item WI1 was owned by bob, then forwarded to carol. A decision
	// bob made inside WI1 now counts as carol's.
	workItems := []domain.WorkItem{{
		ID:    "WI1",
		Owner: "carol",
		OwnerHistory: []domain.OwnerChange{
			{FromOwner: "bob", ToOwner: "carol", TS: "2026-01-02T00:00:00Z"},
		},
	}}
	m := &domain.Monitor{ActorName: "bob", ActingWorkItem: "WI1"}

	if !engine.IsActor(domain.Identity{Name: "carol"}, m, workItems) {
		t.Fatal("current owner should inherit authorship from the history")
	}
	if engine.IsActor(domain.Identity{Name: "dave"}, m, workItems) {
		t.Fatal("non-owner should not inherit authorship")
	}

	// The acting work item no longer exists: resolve conservatively.
	gone := &domain.Monitor{ActorName: "bob", ActingWorkItem: "WI-missing"}
	if engine.IsActor(domain.Identity{Name: "carol"}, gone, workItems) {
		t.Fatal("missing acting work item should resolve to false")
	}

	// An actor who was never a previous owner does not pass the buck.
	other := &domain.Monitor{ActorName: "eve", ActingWorkItem: "WI1"}
	if engine.IsActor(domain.Identity{Name: "carol"}, other, workItems) {
		t.Fatal("actor outside the owner history should not match")
	}
}

func TestIsActorCertScopedBuckPassing(t *testing.T) {
	// A decision made directly in the certification is scoped to all of the
	// certification's work items.
	workItems := []domain.WorkItem{
		{ID: "WI1", Owner: "carol", OwnerHistory: []domain.OwnerChange{
			{FromOwner: "bob", ToOwner: "carol", TS: "2026-01-02T00:00:00Z"},
		}},
		{ID: "WI2", Owner: "dave"},
	}
	m := &domain.Monitor{ActorName: "bob"}
	if !engine.IsActor(domain.Identity{Name: "carol"}, m, workItems) {
		t.Fatal("cert-scoped buck passing should scan all work items")
	}
	if engine.IsActor(domain.Identity{Name: "dave"}, m, workItems) {
		t.Fatal("owner of an unrelated work item should not inherit authorship")
	}
}

func TestNewRoleFacts(t *testing.T) {
	cert := domain.Certification{
		ID:         "cert-1",
		Certifiers: []string{"alice"},
	}
	entity := domain.CertificationEntity{ID: "ent-1", CertificationID: "cert-1", Type: domain.EntityIdentity, TargetName: "bob"}
	itemDel := &domain.Delegation{Monitor: domain.Monitor{
		ActorName:  "alice",
		OwnerName:  "bob",
		WorkItemID: "WI1",
	}}
	item := domain.CertificationItem{ID: "item-1", EntityID: "ent-1", CertificationID: "cert-1", Delegation: itemDel}

	r := engine.NewRole(engine.RoleInput{
		Viewer: domain.Identity{Name: "alice"},
		Cert:   cert,
		Entity: entity,
		Item:   item,
	})
	if !r.IsCertificationOwner {
		t.Fatal("certifier should be certification owner")
	}
	if !r.IsItemDelegationRequester || !r.IsCertifierItemDelegationRequester {
		t.Fatal("alice originated the delegation from the certification")
	}
	if !r.IsViewingCertification || r.IsViewingItemWorkItem {
		t.Fatal("no work item means viewing the certification report")
	}

	r = engine.NewRole(engine.RoleInput{
		Viewer:     domain.Identity{Name: "bob"},
		Cert:       cert,
		Entity:     entity,
		Item:       item,
		WorkItemID: "WI1",
	})
	if !r.IsItemDelegationOwner {
		t.Fatal("bob owns the item delegation")
	}
	if !r.IsViewingItemWorkItem || r.IsViewingCertification {
		t.Fatal("bob is viewing the delegation's own work item")
	}
	if r.IsCertificationOwner {
		t.Fatal("bob is not a certifier")
	}
}

func TestNewRoleAdminAndParentOwner(t *testing.T) {
	cert := domain.Certification{ID: "child", Certifiers: []string{"alice"}, ParentID: "parent", BulkReassignment: true}
	parent := domain.Certification{ID: "parent", Certifiers: []string{"root"}}
	entity := domain.CertificationEntity{ID: "ent-1"}
	item := domain.CertificationItem{ID: "item-1"}

	admin := domain.Identity{Name: "ops", Capabilities: []string{domain.CapCertificationAdmin}}
	r := engine.NewRole(engine.RoleInput{Viewer: admin, Cert: cert, Entity: entity, Item: item})
	if !r.IsCertificationOwner {
		t.Fatal("certification admin acts as owner")
	}

	r = engine.NewRole(engine.RoleInput{
		Viewer: domain.Identity{Name: "root"},
		Cert:   cert,
		Parent: &parent,
		Entity: entity,
		Item:   item,
	})
	if !r.IsCertificationOwner {
		t.Fatal("owner of the reassignment parent acts as owner of the child")
	}

	r = engine.NewRole(engine.RoleInput{Viewer: domain.Identity{Name: "root"}, Cert: cert, Entity: entity, Item: item})
	if r.IsCertificationOwner {
		t.Fatal("parent ownership requires the parent certification to resolve")
	}
}

func TestRoleDecidedInDelegationChain(t *testing.T) {
	identityDel := &domain.Delegation{Monitor: domain.Monitor{
		ActorName:  "alice",
		OwnerName:  "bob",
		WorkItemID: "WI-entity",
	}}
	entity := domain.CertificationEntity{ID: "ent-1", Delegation: identityDel}

	// Decided directly inside the entity delegation work item.
	inside := domain.CertificationItem{
		ID:     "item-1",
		Action: &domain.Action{Monitor: domain.Monitor{ActorName: "bob", ActingWorkItem: "WI-entity"}, Status: domain.StatusApproved},
	}
	r := engine.NewRole(engine.RoleInput{Viewer: domain.Identity{Name: "x"}, Entity: entity, Item: inside})
	if !r.WasItemDecidedDuringIdentityDelegation || r.WasItemDecidedOutsideOfIdentityDelegation {
		t.Fatalf("inside decision classified wrong: %+v", r)
	}

	// Decided directly in the certification.
	direct := domain.CertificationItem{
		ID:     "item-2",
		Action: &domain.Action{Monitor: domain.Monitor{ActorName: "alice"}, Status: domain.StatusApproved},
	}
	r = engine.NewRole(engine.RoleInput{Viewer: domain.Identity{Name: "x"}, Entity: entity, Item: direct})
	if r.WasItemDecidedDuringIdentityDelegation || !r.WasItemDecidedOutsideOfIdentityDelegation {
		t.Fatalf("direct decision classified wrong: %+v", r)
	}

	// Decided inside an item delegation that was requested from the entity
	// delegation work item.
	nested := domain.CertificationItem{
		ID: "item-3",
		Delegation: &domain.Delegation{Monitor: domain.Monitor{
			ActorName:      "bob",
			OwnerName:      "carol",
			ActingWorkItem: "WI-entity",
			WorkItemID:     "WI-item",
		}},
		Action: &domain.Action{Monitor: domain.Monitor{ActorName: "carol", ActingWorkItem: "WI-item"}, Status: domain.StatusApproved},
	}
	r = engine.NewRole(engine.RoleInput{Viewer: domain.Identity{Name: "x"}, Entity: entity, Item: nested})
	if !r.WasItemDecidedDuringIdentityDelegation {
		t.Fatal("nested item delegation decision belongs to the entity delegation chain")
	}
}
