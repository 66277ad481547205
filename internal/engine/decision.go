package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"certline/internal/config"
	"certline/internal/domain"
	"certline/internal/engine/authz"
	"certline/internal/events"
	"certline/internal/repo"
)

// DecisionOptions are the parameters of one decision save. An empty WorkItemID
// means the decision is being made directly in the certification report.
type DecisionOptions struct {
	ItemID    string
	Status    domain.Status
	ActorName string

	WorkItemID  string
	Comments    string
	Description string

	// Remediation details, an opaque owner/comment pair.
	RemediationOwner string

	// Mitigation details.
	MitigationExpiration    string
	ExpireNextCertification bool
}

// Decide validates and applies a requested status change on an item. A save
// whose status equals the currently displayed status is a no-op: nothing is
// written and no event is appended.
func (e Engine) Decide(ctx context.Context, opts DecisionOptions) (domain.CertificationItem, error) {
	dc, err := e.loadDecisionContext(ctx, opts.ItemID, opts.ActorName, opts.WorkItemID)
	if err != nil {
		return domain.CertificationItem{}, err
	}
	if readOnly, rule := e.readOnly(dc); readOnly {
		return dc.item, &authz.AuthorizationError{
			Actor:  opts.ActorName,
			Reason: fmt.Sprintf("item %s is read-only (%s)", dc.item.ID, rule),
		}
	}

	previous := DisplayStatus(dc.role, dc.item.Delegated(), dc.entity.Delegated(), NormalizeStatus(dc.item.Action))
	if opts.Status == previous {
		return dc.item, nil
	}

	switch opts.Status {
	case domain.StatusApproved:
		return e.saveApprove(ctx, dc, opts)
	case domain.StatusApproveAccount:
		return e.saveApproveAccount(ctx, dc, opts)
	case domain.StatusRemediated:
		return e.saveRemediate(ctx, dc, opts, false)
	case domain.StatusRevokeAccount:
		return e.saveRevokeAccount(ctx, dc, opts)
	case domain.StatusMitigated, domain.StatusAcknowledged:
		return e.saveMitigate(ctx, dc, opts)
	case domain.StatusCleared:
		return e.clearDecision(ctx, dc, opts)
	case domain.StatusDelegated:
		return dc.item, &authz.InvalidStateError{Op: "decide", Reason: "delegation is a separate operation"}
	default:
		return dc.item, &authz.InvalidStateError{Op: "decide", Reason: fmt.Sprintf("unknown status %q", opts.Status)}
	}
}

func (e Engine) newAction(opts DecisionOptions, status domain.Status) domain.Action {
	return domain.Action{
		Monitor: domain.Monitor{
			ActorName:      opts.ActorName,
			ActingWorkItem: opts.WorkItemID,
			Description:    opts.Description,
			Comments:       opts.Comments,
			CreatedAt:      e.now().UTC().Format(time.RFC3339),
		},
		Status: status,
	}
}

func (e Engine) saveApprove(ctx context.Context, dc decisionContext, opts DecisionOptions) (domain.CertificationItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dc.item, err
	}
	defer tx.Rollback()

	action := e.newAction(opts, domain.StatusApproved)
	if err := e.saveAction(ctx, tx, dc, opts, action); err != nil {
		return dc.item, err
	}
	if err := tx.Commit(); err != nil {
		return dc.item, err
	}
	return e.Repo.GetItem(ctx, dc.item.ID)
}

// saveApproveAccount approves every undecided, undelegated item on the same
// account in one save. It is a convenience over Approve, not a stored status.
func (e Engine) saveApproveAccount(ctx context.Context, dc decisionContext, opts DecisionOptions) (domain.CertificationItem, error) {
	if !dc.item.AllowAccountLevelActions() {
		return dc.item, &authz.InvalidStateError{Op: "approve-account", Reason: "item has no account"}
	}
	siblings, err := e.Repo.ListItems(ctx, dc.entity.ID)
	if err != nil {
		return dc.item, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dc.item, err
	}
	defer tx.Rollback()

	for _, sib := range siblings {
		if sib.Application != dc.item.Application || sib.AccountName != dc.item.AccountName {
			continue
		}
		if sib.ID != dc.item.ID && (sib.Action != nil || sib.Delegated()) {
			continue
		}
		sibOpts := opts
		sibOpts.ItemID = sib.ID
		action := e.newAction(sibOpts, domain.StatusApproved)
		sdc := dc
		sdc.item = sib
		if err := e.saveAction(ctx, tx, sdc, sibOpts, action); err != nil {
			return dc.item, err
		}
	}
	if err := tx.Commit(); err != nil {
		return dc.item, err
	}
	return e.Repo.GetItem(ctx, dc.item.ID)
}

func (e Engine) saveRemediate(ctx context.Context, dc decisionContext, opts DecisionOptions, revokeAccount bool) (domain.CertificationItem, error) {
	action := e.newAction(opts, domain.StatusRemediated)
	action.RevokeAccount = revokeAccount
	action.OwnerName = opts.RemediationOwner

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dc.item, err
	}
	defer tx.Rollback()
	if err := e.saveAction(ctx, tx, dc, opts, action); err != nil {
		return dc.item, err
	}
	if err := tx.Commit(); err != nil {
		return dc.item, err
	}
	return e.Repo.GetItem(ctx, dc.item.ID)
}

// saveRevokeAccount persists the RevokeAccount pseudo-status as Remediated
// with the revoke-account flag. A revoke decided from the certification report
// also revokes any open delegation on the item, since the certifier is taking
// the decision back.
func (e Engine) saveRevokeAccount(ctx context.Context, dc decisionContext, opts DecisionOptions) (domain.CertificationItem, error) {
	if !dc.item.AllowAccountLevelActions() && dc.item.Type != domain.ItemAccount {
		return dc.item, &authz.InvalidStateError{Op: "revoke-account", Reason: "item has no account"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dc.item, err
	}
	defer tx.Rollback()

	if opts.WorkItemID == "" && dc.item.Delegated() {
		if err := e.revokeItemDelegationTx(ctx, tx, dc.item, opts.ActorName); err != nil {
			return dc.item, err
		}
	}
	action := e.newAction(opts, domain.StatusRemediated)
	action.RevokeAccount = true
	action.OwnerName = opts.RemediationOwner
	if err := e.saveAction(ctx, tx, dc, opts, action); err != nil {
		return dc.item, err
	}
	if err := tx.Commit(); err != nil {
		return dc.item, err
	}
	return e.Repo.GetItem(ctx, dc.item.ID)
}

// saveMitigate stores a mitigation, or an acknowledgment when the exception is
// flagged to expire at the next certification.
func (e Engine) saveMitigate(ctx context.Context, dc decisionContext, opts DecisionOptions) (domain.CertificationItem, error) {
	if !dc.cfg.Definition.AllowExceptions {
		return dc.item, &authz.InvalidStateError{Op: "mitigate", Reason: "exceptions are not allowed"}
	}
	if dc.cfg.Definition.RequireMitigationComments && opts.Comments == "" {
		return dc.item, &authz.InvalidStateError{Op: "mitigate", Reason: "comments are required"}
	}
	status := domain.StatusMitigated
	if opts.ExpireNextCertification || opts.Status == domain.StatusAcknowledged {
		status = domain.StatusAcknowledged
	}
	action := e.newAction(opts, status)
	action.MitigationExpiration = opts.MitigationExpiration
	if action.MitigationExpiration == "" && status == domain.StatusMitigated {
		days := dc.cfg.Definition.ExceptionDurationDays
		action.MitigationExpiration = e.now().UTC().AddDate(0, 0, days).Format(time.RFC3339)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dc.item, err
	}
	defer tx.Rollback()
	if err := e.saveAction(ctx, tx, dc, opts, action); err != nil {
		return dc.item, err
	}
	if err := tx.Commit(); err != nil {
		return dc.item, err
	}
	return e.Repo.GetItem(ctx, dc.item.ID)
}

// clearDecision deletes the item's action, returning it to the undecided
// state.
func (e Engine) clearDecision(ctx context.Context, dc decisionContext, opts DecisionOptions) (domain.CertificationItem, error) {
	if dc.item.Action == nil {
		return dc.item, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dc.item, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAction(ctx, tx, repo.ParentItem, dc.item.ID); err != nil {
		return dc.item, err
	}
	if err := e.Events.Append(ctx, tx, "item.decision.cleared", dc.cert.ID, "item", dc.item.ID, opts.ActorName, events.EventPayload{
		"previous": string(dc.item.Action.Status),
	}); err != nil {
		return dc.item, err
	}
	if err := tx.Commit(); err != nil {
		return dc.item, err
	}
	return e.Repo.GetItem(ctx, dc.item.ID)
}

// saveAction writes the action, appends the audit event, and marks the
// underlying action reviewed when the save is part of a delegation review.
func (e Engine) saveAction(ctx context.Context, tx *sql.Tx, dc decisionContext, opts DecisionOptions, action domain.Action) error {
	reviewing := ShowDelegationReview(dc.role, dc.item, dc.entity)
	if reviewing {
		action.Reviewed = true
	}
	if err := e.Repo.UpsertAction(ctx, tx, repo.ParentItem, dc.item.ID, action); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "item.decision", dc.cert.ID, "item", dc.item.ID, opts.ActorName, events.EventPayload{
		"status":         string(action.Status),
		"revoke_account": action.RevokeAccount,
		"work_item":      opts.WorkItemID,
	})
}

// MarkReviewed marks a delegate's decision as reviewed by the certifier. It is
// an error to review an item that has no decision.
func (e Engine) MarkReviewed(ctx context.Context, itemID, actorName string) (domain.CertificationItem, error) {
	item, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return item, err
	}
	if item.Action == nil {
		return item, &authz.InvalidStateError{Op: "review", Reason: fmt.Sprintf("item %s has no decision to review", itemID)}
	}
	if err := e.checkCertifier(ctx, item.CertificationID, actorName); err != nil {
		return item, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetActionReviewed(ctx, tx, repo.ParentItem, itemID); err != nil {
		return item, err
	}
	if err := e.Events.Append(ctx, tx, "item.decision.reviewed", item.CertificationID, "item", itemID, actorName, nil); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return e.Repo.GetItem(ctx, itemID)
}

// DelegationOptions are parameters for delegating an item or an entity.
type DelegationOptions struct {
	ItemID      string
	EntityID    string
	Recipient   string
	ActorName   string
	WorkItemID  string
	Description string
	Comments    string
}

// Delegate hands decision responsibility for an item to another identity. The
// recipient is first checked against the self-certification policy; a
// forbidden delegate is rejected before anything is written.
func (e Engine) Delegate(ctx context.Context, opts DelegationOptions) (domain.CertificationItem, error) {
	dc, err := e.loadDecisionContext(ctx, opts.ItemID, opts.ActorName, opts.WorkItemID)
	if err != nil {
		return domain.CertificationItem{}, err
	}
	if readOnly, rule := e.readOnly(dc); readOnly {
		return dc.item, &authz.AuthorizationError{
			Actor:  opts.ActorName,
			Reason: fmt.Sprintf("item %s is read-only (%s)", dc.item.ID, rule),
		}
	}
	if !dc.cfg.Definition.AllowItemDelegation && dc.item.Type != domain.ItemPolicyViolation {
		return dc.item, &authz.InvalidStateError{Op: "delegate", Reason: "item delegation is not allowed"}
	}
	if dc.item.Delegated() {
		return dc.item, &authz.InvalidStateError{Op: "delegate", Reason: "item is already delegated"}
	}
	if err := e.checkSelfCertification(ctx, dc, opts.Recipient); err != nil {
		return dc.item, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	wi := domain.WorkItem{
		ID:              uuid.New().String(),
		CertificationID: dc.cert.ID,
		EntityID:        dc.entity.ID,
		ItemID:          dc.item.ID,
		Owner:           opts.Recipient,
		CreatedAt:       now,
	}
	del := domain.Delegation{
		Monitor: domain.Monitor{
			ActorName:      opts.ActorName,
			OwnerName:      opts.Recipient,
			ActingWorkItem: opts.WorkItemID,
			WorkItemID:     wi.ID,
			Description:    opts.Description,
			Comments:       opts.Comments,
			CreatedAt:      now,
		},
		ReviewRequired: dc.cfg.Definition.RequireDelegationReview,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dc.item, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItem(ctx, tx, wi); err != nil {
		return dc.item, err
	}
	if err := e.Repo.UpsertDelegation(ctx, tx, repo.ParentItem, dc.item.ID, del); err != nil {
		return dc.item, err
	}
	if err := e.Events.Append(ctx, tx, "item.delegated", dc.cert.ID, "item", dc.item.ID, opts.ActorName, events.EventPayload{
		"recipient": opts.Recipient,
		"work_item": wi.ID,
	}); err != nil {
		return dc.item, err
	}
	if err := tx.Commit(); err != nil {
		return dc.item, err
	}
	return e.Repo.GetItem(ctx, dc.item.ID)
}

// DelegateEntity hands the whole entity to another identity.
func (e Engine) DelegateEntity(ctx context.Context, opts DelegationOptions) (domain.CertificationEntity, error) {
	entity, err := e.Repo.GetEntity(ctx, opts.EntityID)
	if err != nil {
		return entity, err
	}
	cert, err := e.Repo.GetCertification(ctx, entity.CertificationID)
	if err != nil {
		return entity, err
	}
	if cert.HasBeenSigned() {
		return entity, &authz.AuthorizationError{Actor: opts.ActorName, Reason: "certification has been signed"}
	}
	cfg, err := e.configFor(ctx, cert.ID)
	if err != nil {
		return entity, err
	}
	if !cfg.Definition.AllowEntityDelegation {
		return entity, &authz.InvalidStateError{Op: "delegate", Reason: "entity delegation is not allowed"}
	}
	if entity.Delegated() {
		return entity, &authz.InvalidStateError{Op: "delegate", Reason: "entity is already delegated"}
	}
	viewer, err := e.Repo.GetIdentity(ctx, opts.ActorName)
	if err != nil {
		return entity, err
	}
	if !authz.IsCertifier(&cert, viewer.Name) && !authz.IsCertificationAdmin(&viewer) {
		return entity, &authz.AuthorizationError{Actor: opts.ActorName, Reason: "not a certifier"}
	}
	if entity.Type == domain.EntityIdentity && entity.TargetName == opts.Recipient {
		if err := e.rejectSelfCertify(ctx, cfg, opts.Recipient); err != nil {
			return entity, err
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	wi := domain.WorkItem{
		ID:              uuid.New().String(),
		CertificationID: cert.ID,
		EntityID:        entity.ID,
		Owner:           opts.Recipient,
		CreatedAt:       now,
	}
	del := domain.Delegation{
		Monitor: domain.Monitor{
			ActorName:      opts.ActorName,
			OwnerName:      opts.Recipient,
			ActingWorkItem: opts.WorkItemID,
			WorkItemID:     wi.ID,
			Description:    opts.Description,
			Comments:       opts.Comments,
			CreatedAt:      now,
		},
		ReviewRequired: cfg.Definition.RequireDelegationReview,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entity, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItem(ctx, tx, wi); err != nil {
		return entity, err
	}
	if err := e.Repo.UpsertDelegation(ctx, tx, repo.ParentEntity, entity.ID, del); err != nil {
		return entity, err
	}
	if err := e.Events.Append(ctx, tx, "entity.delegated", cert.ID, "entity", entity.ID, opts.ActorName, events.EventPayload{
		"recipient": opts.Recipient,
		"work_item": wi.ID,
	}); err != nil {
		return entity, err
	}
	if err := tx.Commit(); err != nil {
		return entity, err
	}
	return e.Repo.GetEntity(ctx, entity.ID)
}

// checkSelfCertification rejects a delegate who is also the certified subject
// of the item's entity, unless the policy level admits them.
func (e Engine) checkSelfCertification(ctx context.Context, dc decisionContext, recipient string) error {
	if dc.entity.Type != domain.EntityIdentity || dc.entity.TargetName != recipient {
		return nil
	}
	return e.rejectSelfCertify(ctx, dc.cfg, recipient)
}

func (e Engine) rejectSelfCertify(ctx context.Context, cfg *config.Config, recipient string) error {
	id, err := e.Repo.GetIdentity(ctx, recipient)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if authz.MaySelfCertify(&id, cfg.Definition.SelfCertificationLevel) {
		return nil
	}
	return &authz.SelfCertificationError{Recipient: recipient, Level: cfg.Definition.SelfCertificationLevel}
}

// checkCertifier admits the certification's certifiers and certification
// admins only.
func (e Engine) checkCertifier(ctx context.Context, certificationID, actorName string) error {
	viewer, err := e.Repo.GetIdentity(ctx, actorName)
	if err != nil {
		return err
	}
	cert, err := e.Repo.GetCertification(ctx, certificationID)
	if err != nil {
		return err
	}
	if authz.IsCertifier(&cert, viewer.Name) || authz.IsCertificationAdmin(&viewer) {
		return nil
	}
	return &authz.AuthorizationError{Actor: actorName, Reason: "not a certifier"}
}

// checkDelegationAdmin admits the delegation requester (buck passing counts),
// the certifiers, and certification admins.
func (e Engine) checkDelegationAdmin(ctx context.Context, certificationID string, m *domain.Monitor, actorName string) error {
	viewer, err := e.Repo.GetIdentity(ctx, actorName)
	if err != nil {
		return err
	}
	cert, err := e.Repo.GetCertification(ctx, certificationID)
	if err != nil {
		return err
	}
	if authz.IsCertifier(&cert, viewer.Name) || authz.IsCertificationAdmin(&viewer) {
		return nil
	}
	workItems, err := e.Repo.ListWorkItems(ctx, certificationID)
	if err != nil {
		return err
	}
	if IsActor(viewer, m, workItems) {
		return nil
	}
	return &authz.AuthorizationError{Actor: actorName, Reason: "not the delegation requester or a certifier"}
}

// RevokeItemDelegation takes a delegated item back. When the item's delegation
// is not active the revocation falls through to the entity delegation, since
// the only thing left to remove is the entity-level handoff; the item
// reference is treated as reset.
func (e Engine) RevokeItemDelegation(ctx context.Context, itemID, actorName string) error {
	item, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if !item.Delegated() {
		entity, err := e.Repo.GetEntity(ctx, item.EntityID)
		if err != nil {
			return err
		}
		if !entity.Delegated() {
			return &authz.InvalidStateError{Op: "revoke-delegation", Reason: fmt.Sprintf("item %s is not delegated", itemID)}
		}
		return e.RevokeEntityDelegation(ctx, entity.ID, actorName)
	}
	if err := e.checkDelegationAdmin(ctx, item.CertificationID, &item.Delegation.Monitor, actorName); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.revokeItemDelegationTx(ctx, tx, item, actorName); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) revokeItemDelegationTx(ctx context.Context, tx *sql.Tx, item domain.CertificationItem, actorName string) error {
	if err := e.Repo.MarkDelegationRevoked(ctx, tx, repo.ParentItem, item.ID); err != nil {
		return err
	}
	if item.Delegation.WorkItemID != "" {
		if err := e.Repo.SetWorkItemState(ctx, tx, item.Delegation.WorkItemID, domain.WorkStateExpired); err != nil &&
			!errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	return e.Events.Append(ctx, tx, "item.delegation.revoked", item.CertificationID, "item", item.ID, actorName, nil)
}

// RevokeEntityDelegation takes a delegated entity back.
func (e Engine) RevokeEntityDelegation(ctx context.Context, entityID, actorName string) error {
	entity, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if !entity.Delegated() {
		return &authz.InvalidStateError{Op: "revoke-delegation", Reason: fmt.Sprintf("entity %s is not delegated", entityID)}
	}
	if err := e.checkDelegationAdmin(ctx, entity.CertificationID, &entity.Delegation.Monitor, actorName); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkDelegationRevoked(ctx, tx, repo.ParentEntity, entity.ID); err != nil {
		return err
	}
	if entity.Delegation.WorkItemID != "" {
		if err := e.Repo.SetWorkItemState(ctx, tx, entity.Delegation.WorkItemID, domain.WorkStateExpired); err != nil &&
			!errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "entity.delegation.revoked", entity.CertificationID, "entity", entity.ID, actorName, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteWorkItem closes a delegation work item as finished or returned and
// stamps the matching completion state on the delegation record.
func (e Engine) CompleteWorkItem(ctx context.Context, workItemID string, state domain.WorkState, actorName string) error {
	if state != domain.WorkStateFinished && state != domain.WorkStateReturned {
		return fmt.Errorf("unknown completion state %q", state)
	}
	wi, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return err
	}
	if wi.State != domain.WorkStateOpen {
		return &authz.InvalidStateError{Op: "complete", Reason: fmt.Sprintf("work item %s is %s", workItemID, wi.State)}
	}
	if wi.Owner != actorName {
		return &authz.AuthorizationError{Actor: actorName, Reason: fmt.Sprintf("work item %s is owned by %s", workItemID, wi.Owner)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetWorkItemState(ctx, tx, wi.ID, state); err != nil {
		return err
	}
	parentKind, parentID := repo.ParentEntity, wi.EntityID
	if wi.ItemID != "" {
		parentKind, parentID = repo.ParentItem, wi.ItemID
	}
	if parentID != "" {
		if err := e.Repo.SetDelegationState(ctx, tx, parentKind, parentID, state); err != nil &&
			!errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "workitem.completed", wi.CertificationID, "workitem", wi.ID, actorName, events.EventPayload{
		"state": string(state),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
