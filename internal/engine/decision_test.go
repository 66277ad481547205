package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/engine/authz"
	"certline/internal/migrate"
	"certline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Cert   domain.Certification
	Entity domain.CertificationEntity
	Item   domain.CertificationItem
}

// newTestEnv builds a migrated temp-dir database with one certification:
// certifier alice, certified subject bob, delegate-capable carol, and a single
// exception item on bob's hr-app account.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("cert-1"))
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	for _, id := range []domain.Identity{
		{Name: "alice", DisplayName: "Alice A"},
		{Name: "bob", DisplayName: "Bob B"},
		{Name: "carol", DisplayName: "Carol C"},
		{Name: "ops", DisplayName: "Ops", Capabilities: []string{domain.CapSystemAdmin}},
	} {
		if err := eng.Repo.UpsertIdentity(ctx, id); err != nil {
			t.Fatalf("seed identity %s: %v", id.Name, err)
		}
	}

	cert, err := eng.CreateCertification(ctx, engine.CertificationCreateOptions{
		ID:         "cert-1",
		Name:       "Q1 manager review",
		Certifiers: []string{"alice"},
		ActorName:  "alice",
	})
	if err != nil {
		t.Fatalf("create certification: %v", err)
	}
	entity, err := eng.AddEntity(ctx, domain.CertificationEntity{
		CertificationID: cert.ID,
		Type:            domain.EntityIdentity,
		TargetName:      "bob",
	}, "alice")
	if err != nil {
		t.Fatalf("add entity: %v", err)
	}
	item, err := eng.AddItem(ctx, domain.CertificationItem{
		EntityID:    entity.ID,
		Type:        domain.ItemException,
		TargetName:  "payroll-read",
		Application: "hr-app",
		AccountName: "bob",
	}, "alice")
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Cert: cert, Entity: entity, Item: item}
}

func TestApproveAndClear(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "alice",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if item.Action == nil || item.Action.Status != domain.StatusApproved {
		t.Fatalf("action not stored: %+v", item.Action)
	}
	if item.Action.ActingWorkItem != "" {
		t.Fatal("decision in cert must have no acting work item")
	}

	item, err = env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusCleared, ActorName: "alice",
	})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if item.Action != nil {
		t.Fatalf("clear should remove the action: %+v", item.Action)
	}
}

func TestNonCertifierCannotDecide(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "carol",
	})
	var authErr *authz.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("want AuthorizationError, got %v", err)
	}
}

func TestRevokeAccountRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusRevokeAccount, ActorName: "alice",
	})
	if err != nil {
		t.Fatalf("revoke account: %v", err)
	}
	// Stored as remediated with the flag, never as the pseudo-status.
	if item.Action.Status != domain.StatusRemediated || !item.Action.RevokeAccount {
		t.Fatalf("stored %q revoke=%v", item.Action.Status, item.Action.RevokeAccount)
	}
	// Displayed back as the pseudo-status.
	view, err := env.Engine.View(env.Ctx, env.Item.ID, "alice", "")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Status != domain.StatusRevokeAccount {
		t.Fatalf("displayed %q, want revoke_account", view.Status)
	}
}

func TestIdempotentSave(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.DecisionOptions{ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "alice"}
	if _, err := env.Engine.Decide(env.Ctx, opts); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := env.Engine.Decide(env.Ctx, opts); err != nil {
		t.Fatalf("second save: %v", err)
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, "item.decision", env.Item.ID)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("repeat save wrote %d decision events, want 1", n)
	}
}

func TestAcknowledgeOnMitigation(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID:                  env.Item.ID,
		Status:                  domain.StatusMitigated,
		ActorName:               "alice",
		ExpireNextCertification: true,
	})
	if err != nil {
		t.Fatalf("mitigate: %v", err)
	}
	if item.Action.Status != domain.StatusAcknowledged {
		t.Fatalf("stored %q, want acknowledged", item.Action.Status)
	}
	view, err := env.Engine.View(env.Ctx, env.Item.ID, "alice", "")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Status != domain.StatusMitigated {
		t.Fatalf("displayed %q, want mitigated", view.Status)
	}
}

func TestMitigationDefaultExpiration(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusMitigated, ActorName: "alice",
	})
	if err != nil {
		t.Fatalf("mitigate: %v", err)
	}
	want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if item.Action.MitigationExpiration != want {
		t.Fatalf("expiration %q, want %q (90 days)", item.Action.MitigationExpiration, want)
	}
}

func TestSelfCertificationRejected(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(env.Cert.ID)
	cfg.Definition.SelfCertificationLevel = config.SelfCertifyNone
	if err := env.Engine.Repo.UpsertCertificationConfig(env.Ctx, env.Cert.ID, cfg); err != nil {
		t.Fatalf("store config: %v", err)
	}

	// bob is the certified subject of the entity the item belongs to.
	_, err := env.Engine.Delegate(env.Ctx, engine.DelegationOptions{
		ItemID: env.Item.ID, Recipient: "bob", ActorName: "alice",
	})
	var selfErr *authz.SelfCertificationError
	if !errors.As(err, &selfErr) {
		t.Fatalf("want SelfCertificationError, got %v", err)
	}
	if selfErr.Recipient != "bob" {
		t.Fatalf("error should carry the offending identity, got %q", selfErr.Recipient)
	}
	item, err := env.Engine.Repo.GetItem(env.Ctx, env.Item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Delegation != nil {
		t.Fatal("rejected delegation must not be created")
	}
}

func TestSelfCertificationAdminLevels(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(env.Cert.ID)
	cfg.Definition.SelfCertificationLevel = config.SelfCertifySystemAdmin
	if err := env.Engine.Repo.UpsertCertificationConfig(env.Ctx, env.Cert.ID, cfg); err != nil {
		t.Fatal(err)
	}
	// Make the subject a system admin: delegation to self is then allowed.
	entity, err := env.Engine.AddEntity(env.Ctx, domain.CertificationEntity{
		CertificationID: env.Cert.ID, Type: domain.EntityIdentity, TargetName: "ops",
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.AddItem(env.Ctx, domain.CertificationItem{
		EntityID: entity.ID, Type: domain.ItemException, TargetName: "root-access",
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Delegate(env.Ctx, engine.DelegationOptions{
		ItemID: item.ID, Recipient: "ops", ActorName: "alice",
	}); err != nil {
		t.Fatalf("system admin should clear the self-certification bar: %v", err)
	}
}

func TestDelegationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.Delegate(env.Ctx, engine.DelegationOptions{
		ItemID:    env.Item.ID,
		Recipient: "carol",
		ActorName: "alice",
		Comments:  "please review",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if !item.Delegated() || item.Delegation.OwnerName != "carol" {
		t.Fatalf("delegation not active: %+v", item.Delegation)
	}
	wiID := item.Delegation.WorkItemID
	if wiID == "" {
		t.Fatal("delegation must track its work item")
	}

	// Alice, looking at the report, sees Delegated and cannot see the raw
	// status carol later records.
	view, err := env.Engine.View(env.Ctx, env.Item.ID, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != domain.StatusDelegated {
		t.Fatalf("certifier sees %q, want delegated", view.Status)
	}
	// Alice requested the delegation from the cert, so she may revoke it.
	if view.ReadOnly {
		t.Fatalf("certifier-requester should keep edit rights (rule %s)", view.ReadOnlyRule)
	}

	// Carol decides inside her work item.
	if _, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "carol", WorkItemID: wiID,
	}); err != nil {
		t.Fatalf("delegate decision: %v", err)
	}
	view, err = env.Engine.View(env.Ctx, env.Item.ID, "carol", wiID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != domain.StatusApproved {
		t.Fatalf("actor in own work item sees %q, want approved", view.Status)
	}

	// Carol finishes the work item; the delegation completes.
	if err := env.Engine.CompleteWorkItem(env.Ctx, wiID, domain.WorkStateFinished, "carol"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	item, err = env.Engine.Repo.GetItem(env.Ctx, env.Item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Delegated() || item.Delegation.State != domain.WorkStateFinished {
		t.Fatalf("delegation not finished: %+v", item.Delegation)
	}
}

func TestRevokeAccountAutoRevokesDelegation(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.Delegate(env.Ctx, engine.DelegationOptions{
		ItemID: env.Item.ID, Recipient: "carol", ActorName: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !item.Delegated() {
		t.Fatal("precondition: delegated")
	}
	// Alice takes the decision back from the report with a whole-account
	// revoke; the open delegation is revoked in the same save.
	item, err = env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusRevokeAccount, ActorName: "alice",
	})
	if err != nil {
		t.Fatalf("revoke account: %v", err)
	}
	if item.Delegated() {
		t.Fatal("delegation should have been revoked by the account revoke")
	}
	if !item.Delegation.Revoked {
		t.Fatalf("delegation record not marked revoked: %+v", item.Delegation)
	}
	if item.Action == nil || !item.Action.RevokeAccount {
		t.Fatalf("revoke not stored: %+v", item.Action)
	}
}

func TestRevokeDelegationFallsThroughToEntity(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DelegateEntity(env.Ctx, engine.DelegationOptions{
		EntityID: env.Entity.ID, Recipient: "carol", ActorName: "alice",
	}); err != nil {
		t.Fatalf("delegate entity: %v", err)
	}
	// The item itself carries no delegation, so revoking through the item
	// resets to the entity-level delegation.
	if err := env.Engine.RevokeItemDelegation(env.Ctx, env.Item.ID, "alice"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	entity, err := env.Engine.Repo.GetEntity(env.Ctx, env.Entity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entity.Delegated() || !entity.Delegation.Revoked {
		t.Fatalf("entity delegation not revoked: %+v", entity.Delegation)
	}
}

func TestMarkReviewedRequiresAction(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.MarkReviewed(env.Ctx, env.Item.ID, "alice")
	var stateErr *authz.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("want InvalidStateError, got %v", err)
	}

	if _, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "alice",
	}); err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.MarkReviewed(env.Ctx, env.Item.ID, "alice")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !item.Action.Reviewed {
		t.Fatal("action not marked reviewed")
	}
}

func TestDelegationAdminRequiresRole(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Delegate(env.Ctx, engine.DelegationOptions{
		ItemID: env.Item.ID, Recipient: "carol", ActorName: "alice",
	}); err != nil {
		t.Fatal(err)
	}
	var authErr *authz.AuthorizationError
	if err := env.Engine.RevokeItemDelegation(env.Ctx, env.Item.ID, "bob"); !errors.As(err, &authErr) {
		t.Fatalf("bystander revoke: want AuthorizationError, got %v", err)
	}
	item, err := env.Engine.Repo.GetItem(env.Ctx, env.Item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Delegated() {
		t.Fatal("delegation must survive the rejected revoke")
	}

	// The delegate decides; a bystander still cannot mark the decision
	// reviewed, but the requester can revoke.
	if _, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "carol",
		WorkItemID: item.Delegation.WorkItemID,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkReviewed(env.Ctx, env.Item.ID, "bob"); !errors.As(err, &authErr) {
		t.Fatalf("bystander review: want AuthorizationError, got %v", err)
	}
	if err := env.Engine.RevokeItemDelegation(env.Ctx, env.Item.ID, "alice"); err != nil {
		t.Fatalf("requester revoke: %v", err)
	}
}

func TestEntityDelegationRevokeRequiresRole(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DelegateEntity(env.Ctx, engine.DelegationOptions{
		EntityID: env.Entity.ID, Recipient: "carol", ActorName: "alice",
	}); err != nil {
		t.Fatal(err)
	}
	var authErr *authz.AuthorizationError
	if err := env.Engine.RevokeEntityDelegation(env.Ctx, env.Entity.ID, "bob"); !errors.As(err, &authErr) {
		t.Fatalf("bystander entity revoke: want AuthorizationError, got %v", err)
	}
	entity, err := env.Engine.Repo.GetEntity(env.Ctx, env.Entity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !entity.Delegated() {
		t.Fatal("entity delegation must survive the rejected revoke")
	}
}

func TestForwardedWorkItemPassesTheBuck(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.UpsertIdentity(env.Ctx, domain.Identity{Name: "dave", DisplayName: "Dave D"}); err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.Delegate(env.Ctx, engine.DelegationOptions{
		ItemID: env.Item.ID, Recipient: "carol", ActorName: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	wiID := item.Delegation.WorkItemID

	// Carol decides in her work item, then the work item is forwarded to
	// dave. The delegation owner follows the forward; the recorded actor
	// stays carol, and dave inherits her authorship via the owner history.
	if _, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "carol", WorkItemID: wiID,
	}); err != nil {
		t.Fatalf("carol decides: %v", err)
	}
	if _, err := env.Engine.ForwardWorkItem(env.Ctx, wiID, "dave", "alice"); err != nil {
		t.Fatalf("forward: %v", err)
	}
	item, err = env.Engine.Repo.GetItem(env.Ctx, env.Item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Delegation.OwnerName != "dave" {
		t.Fatalf("delegation owner should follow the forward, got %q", item.Delegation.OwnerName)
	}
	if item.Action.ActorName != "carol" {
		t.Fatalf("recorded actor must not move, got %q", item.Action.ActorName)
	}

	view, err := env.Engine.View(env.Ctx, env.Item.ID, "dave", wiID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != domain.StatusApproved {
		t.Fatalf("dave sees %q, want the raw approved status", view.Status)
	}
	if view.ReadOnly {
		t.Fatalf("dave should keep edit rights via the owner history (rule %s)", view.ReadOnlyRule)
	}
}

func TestSignedCertificationIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "alice",
	}); err != nil {
		t.Fatal(err)
	}
	warnings, err := env.Engine.Sign(env.Ctx, env.Cert.ID, "alice")
	if err != nil || len(warnings) != 0 {
		t.Fatalf("sign: warnings=%v err=%v", warnings, err)
	}

	view, err := env.Engine.View(env.Ctx, env.Item.ID, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if !view.ReadOnly || view.ReadOnlyRule != "signed" {
		t.Fatalf("signed certification not read-only: %+v", view)
	}
	_, err = env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusRemediated, ActorName: "alice",
	})
	var authErr *authz.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("want AuthorizationError after signing, got %v", err)
	}
}

func TestSignRequiresEveryItemDecided(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Sign(env.Ctx, env.Cert.ID, "alice")
	var stateErr *authz.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("want InvalidStateError for undecided item, got %v", err)
	}
	_, err = env.Engine.Sign(env.Ctx, env.Cert.ID, "carol")
	var authErr *authz.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("non-certifier sign: want AuthorizationError, got %v", err)
	}
}

func TestSignOptimisticLock(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "alice",
	}); err != nil {
		t.Fatal(err)
	}
	// A phase change bumps the version, making the originally loaded
	// certification stale.
	if err := env.Engine.SetPhase(env.Ctx, env.Cert.ID, domain.PhaseActive, "alice"); err != nil {
		t.Fatal(err)
	}
	err := env.Engine.Repo.SignCertification(env.Ctx, nil, env.Cert.ID, "2026-02-01T00:00:00Z", env.Cert.Version)
	if !errors.Is(err, repo.ErrLocked) {
		t.Fatalf("stale version: want ErrLocked, got %v", err)
	}

	// Sign re-reads the certification, so it sees the bumped version and
	// completes without warnings.
	warnings, err := env.Engine.Sign(env.Ctx, env.Cert.ID, "alice")
	if err != nil || len(warnings) != 0 {
		t.Fatalf("sign: warnings=%v err=%v", warnings, err)
	}
	cert, err := env.Engine.Repo.GetCertification(env.Ctx, env.Cert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cert.HasBeenSigned() {
		t.Fatal("certification should be signed")
	}
}

func TestSignConcurrentModificationWarns(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproved, ActorName: "alice",
	}); err != nil {
		t.Fatal(err)
	}

	// The clock hook fires after Sign reads the certification and before it
	// writes; bumping the version there simulates a concurrent change landing
	// in that window.
	bumped := false
	env.Engine.Now = func() time.Time {
		if !bumped {
			bumped = true
			if _, err := env.Engine.DB.Exec(`UPDATE certifications SET version = version + 1 WHERE id = ?`, env.Cert.ID); err != nil {
				t.Fatal(err)
			}
		}
		return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	}
	warnings, err := env.Engine.Sign(env.Ctx, env.Cert.ID, "alice")
	if err != nil {
		t.Fatalf("concurrent modification must warn, not error: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("want one warning, got %v", warnings)
	}
	cert, err := env.Engine.Repo.GetCertification(env.Ctx, env.Cert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cert.HasBeenSigned() {
		t.Fatal("certification must stay unsigned after the conflict")
	}
}

func TestApproveAccountApprovesSiblings(t *testing.T) {
	env := newTestEnv(t)
	sibling, err := env.Engine.AddItem(env.Ctx, domain.CertificationItem{
		EntityID:    env.Entity.ID,
		Type:        domain.ItemException,
		TargetName:  "payroll-write",
		Application: "hr-app",
		AccountName: "bob",
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.Engine.AddItem(env.Ctx, domain.CertificationItem{
		EntityID:    env.Entity.ID,
		Type:        domain.ItemException,
		TargetName:  "crm-read",
		Application: "crm-app",
		AccountName: "bob-crm",
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		ItemID: env.Item.ID, Status: domain.StatusApproveAccount, ActorName: "alice",
	}); err != nil {
		t.Fatalf("approve account: %v", err)
	}

	for _, id := range []string{env.Item.ID, sibling.ID} {
		it, err := env.Engine.Repo.GetItem(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if it.Action == nil || it.Action.Status != domain.StatusApproved {
			t.Fatalf("item %s on the account not approved: %+v", id, it.Action)
		}
	}
	it, err := env.Engine.Repo.GetItem(env.Ctx, other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if it.Action != nil {
		t.Fatalf("item on another account must stay undecided: %+v", it.Action)
	}
}
