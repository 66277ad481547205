package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"certline/internal/config"
	"certline/internal/domain"
	"certline/internal/engine/authz"
	"certline/internal/events"
	"certline/internal/repo"
)

// PhaseLockFunc decides whether the certification phase freezes the decision.
type PhaseLockFunc func(cert domain.Certification, item domain.CertificationItem, action *domain.Action) bool

// RevokeLockFunc decides whether a revoke in flight freezes the decision.
type RevokeLockFunc func(cert domain.Certification, itemDel, entityDel *domain.Delegation, action *domain.Action) bool

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger

	// Lock predicates are externally defined business rules. Nil means the
	// defaults below.
	PhaseLock  PhaseLockFunc
	RevokeLock RevokeLockFunc
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// DefaultPhaseLock freezes decisions while the certification is staged or
// ended, and while the item carries an undecided challenge during the
// challenge phase.
func DefaultPhaseLock(cert domain.Certification, item domain.CertificationItem, action *domain.Action) bool {
	phase := cert.Phase
	if item.Phase != "" {
		phase = item.Phase
	}
	switch phase {
	case domain.PhaseStaged, domain.PhaseEnd:
		return true
	case domain.PhaseChallenge:
		ch := item.Challenge
		return ch != nil && ch.Challenged && !ch.Decided && !ch.DecisionExpired
	}
	return false
}

// DefaultRevokeLock freezes a revocation once the certification has moved
// past the active phase, when remediation is presumed kicked off.
func DefaultRevokeLock(cert domain.Certification, itemDel, entityDel *domain.Delegation, action *domain.Action) bool {
	if action == nil || action.Status != domain.StatusRemediated {
		return false
	}
	return cert.Phase == domain.PhaseChallenge || cert.Phase == domain.PhaseRemediation
}

func (e Engine) phaseLocked(cert domain.Certification, item domain.CertificationItem) bool {
	lock := e.PhaseLock
	if lock == nil {
		lock = DefaultPhaseLock
	}
	return lock(cert, item, item.Action)
}

func (e Engine) revokeLocked(cert domain.Certification, item domain.CertificationItem, entity domain.CertificationEntity) bool {
	lock := e.RevokeLock
	if lock == nil {
		lock = DefaultRevokeLock
	}
	return lock(cert, item.Delegation, entity.Delegation, item.Action)
}

// configFor returns the certification's stored definition, falling back to the
// engine default when none was imported.
func (e Engine) configFor(ctx context.Context, certificationID string) (*config.Config, error) {
	cfg, err := e.Repo.GetCertificationConfig(ctx, certificationID)
	if errors.Is(err, repo.ErrNotFound) {
		if e.Config != nil {
			return e.Config, nil
		}
		return config.Default(certificationID), nil
	}
	return cfg, err
}

// CertificationCreateOptions are parameters for generating a certification.
type CertificationCreateOptions struct {
	ID                 string
	Name               string
	Certifiers         []string
	ParentID           string
	BulkReassignment   bool
	AccountGranularity bool
	ActorName          string
}

// CreateCertification creates a certification in the active phase, stores its
// default definition, and opens one access-review work item per certifier.
func (e Engine) CreateCertification(ctx context.Context, opts CertificationCreateOptions) (domain.Certification, error) {
	if opts.Name == "" {
		return domain.Certification{}, errors.New("name is required")
	}
	if len(opts.Certifiers) == 0 {
		return domain.Certification{}, errors.New("at least one certifier is required")
	}
	for _, name := range opts.Certifiers {
		if _, err := e.Repo.GetIdentity(ctx, name); err != nil {
			return domain.Certification{}, fmt.Errorf("certifier %s: %w", name, err)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Certification{
		ID:                 id,
		Name:               opts.Name,
		Phase:              domain.PhaseActive,
		Certifiers:         opts.Certifiers,
		ParentID:           opts.ParentID,
		BulkReassignment:   opts.BulkReassignment,
		AccountGranularity: opts.AccountGranularity,
		CreatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Certification{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCertification(ctx, tx, c); err != nil {
		return domain.Certification{}, fmt.Errorf("insert certification: %w", err)
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(c.ID)
	}
	if err := e.Repo.UpsertCertificationConfigTx(ctx, tx, c.ID, cfg); err != nil {
		return domain.Certification{}, fmt.Errorf("insert certification config: %w", err)
	}
	for _, certifier := range opts.Certifiers {
		wi := domain.WorkItem{
			ID:              uuid.New().String(),
			CertificationID: c.ID,
			Owner:           certifier,
			CreatedAt:       now,
		}
		if err := e.Repo.InsertWorkItem(ctx, tx, wi); err != nil {
			return domain.Certification{}, fmt.Errorf("insert work item: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "certification.created", c.ID, "certification", c.ID, opts.ActorName, events.EventPayload{
		"name":       c.Name,
		"certifiers": c.Certifiers,
	}); err != nil {
		return domain.Certification{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Certification{}, err
	}
	return c, nil
}

// SetPhase advances the certification lifecycle.
func (e Engine) SetPhase(ctx context.Context, certificationID string, phase domain.Phase, actorName string) error {
	switch phase {
	case domain.PhaseStaged, domain.PhaseActive, domain.PhaseChallenge, domain.PhaseRemediation, domain.PhaseEnd:
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
	cert, err := e.Repo.GetCertification(ctx, certificationID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCertificationPhase(ctx, tx, certificationID, phase); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "certification.phase", certificationID, "certification", certificationID, actorName, events.EventPayload{
		"from": string(cert.Phase),
		"to":   string(phase),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddEntity adds a certified subject to a certification.
func (e Engine) AddEntity(ctx context.Context, entity domain.CertificationEntity, actorName string) (domain.CertificationEntity, error) {
	if entity.TargetName == "" {
		return entity, errors.New("target name is required")
	}
	if entity.Type == "" {
		entity.Type = domain.EntityIdentity
	}
	if _, err := e.Repo.GetCertification(ctx, entity.CertificationID); err != nil {
		return entity, err
	}
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	entity.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entity, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEntity(ctx, tx, entity); err != nil {
		return entity, err
	}
	if err := e.Events.Append(ctx, tx, "entity.added", entity.CertificationID, "entity", entity.ID, actorName, events.EventPayload{
		"target": entity.TargetName,
		"type":   string(entity.Type),
	}); err != nil {
		return entity, err
	}
	if err := tx.Commit(); err != nil {
		return entity, err
	}
	return entity, nil
}

// AddItem adds a certifiable fact under an entity.
func (e Engine) AddItem(ctx context.Context, item domain.CertificationItem, actorName string) (domain.CertificationItem, error) {
	if item.Type == "" {
		item.Type = domain.ItemException
	}
	entity, err := e.Repo.GetEntity(ctx, item.EntityID)
	if err != nil {
		return item, err
	}
	item.CertificationID = entity.CertificationID
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertItem(ctx, tx, item); err != nil {
		return item, err
	}
	if err := e.Events.Append(ctx, tx, "item.added", item.CertificationID, "item", item.ID, actorName, events.EventPayload{
		"type":   string(item.Type),
		"target": item.TargetName,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// ForwardWorkItem reassigns a work item to a new owner and records the change
// in the owner history, which is what buck-passed actor resolution reads.
func (e Engine) ForwardWorkItem(ctx context.Context, workItemID, newOwner, actorName string) (domain.WorkItem, error) {
	wi, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return wi, err
	}
	if wi.State != domain.WorkStateOpen {
		return wi, &authz.InvalidStateError{Op: "forward", Reason: fmt.Sprintf("work item %s is %s", workItemID, wi.State)}
	}
	if _, err := e.Repo.GetIdentity(ctx, newOwner); err != nil {
		return wi, fmt.Errorf("new owner %s: %w", newOwner, err)
	}
	ts := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wi, err
	}
	defer tx.Rollback()
	if err := e.Repo.ForwardWorkItem(ctx, tx, wi.ID, wi.Owner, newOwner, ts); err != nil {
		return wi, err
	}
	if err := e.Repo.ResetDelegationOwner(ctx, tx, wi.ID, newOwner); err != nil {
		return wi, err
	}
	if err := e.Events.Append(ctx, tx, "workitem.forwarded", wi.CertificationID, "workitem", wi.ID, actorName, events.EventPayload{
		"from": wi.Owner,
		"to":   newOwner,
	}); err != nil {
		return wi, err
	}
	if err := tx.Commit(); err != nil {
		return wi, err
	}
	return e.Repo.GetWorkItem(ctx, workItemID)
}

// decisionContext is the request-scoped bundle every visibility or decision
// computation works from. It is built once per operation and never cached.
type decisionContext struct {
	cert      domain.Certification
	parent    *domain.Certification
	entity    domain.CertificationEntity
	item      domain.CertificationItem
	viewer    domain.Identity
	workItems []domain.WorkItem
	cfg       *config.Config
	role      Role
	facts     EditFacts
}

func (e Engine) loadDecisionContext(ctx context.Context, itemID, viewerName, workItemID string) (decisionContext, error) {
	var dc decisionContext
	var err error

	if dc.item, err = e.Repo.GetItem(ctx, itemID); err != nil {
		return dc, fmt.Errorf("item %s: %w", itemID, err)
	}
	if dc.entity, err = e.Repo.GetEntity(ctx, dc.item.EntityID); err != nil {
		return dc, fmt.Errorf("entity %s: %w", dc.item.EntityID, err)
	}
	if dc.cert, err = e.Repo.GetCertification(ctx, dc.item.CertificationID); err != nil {
		return dc, fmt.Errorf("certification %s: %w", dc.item.CertificationID, err)
	}
	if dc.cert.ParentID != "" {
		parent, err := e.Repo.GetCertification(ctx, dc.cert.ParentID)
		if err == nil {
			dc.parent = &parent
		} else if !errors.Is(err, repo.ErrNotFound) {
			return dc, err
		}
	}
	if dc.viewer, err = e.Repo.GetIdentity(ctx, viewerName); err != nil {
		return dc, fmt.Errorf("identity %s: %w", viewerName, err)
	}
	if dc.workItems, err = e.Repo.ListWorkItems(ctx, dc.cert.ID); err != nil {
		return dc, err
	}
	if dc.cfg, err = e.configFor(ctx, dc.cert.ID); err != nil {
		return dc, err
	}

	dc.role = NewRole(RoleInput{
		Viewer:     dc.viewer,
		Cert:       dc.cert,
		Parent:     dc.parent,
		Entity:     dc.entity,
		Item:       dc.item,
		WorkItemID: workItemID,
		WorkItems:  dc.workItems,
	})
	dc.facts = EditFacts{
		Signed: dc.cert.HasBeenSigned(),
		DecisionLocked: e.phaseLocked(dc.cert, dc.item) ||
			e.revokeLocked(dc.cert, dc.item, dc.entity),
		ItemDelegated:      dc.item.Delegated(),
		IdentityDelegated:  dc.entity.Delegated(),
		DelegationReturned: dc.item.DelegationReturned(),
		HasAction:          dc.item.Action != nil,
		Role:               dc.role,
	}
	return dc, nil
}

// readOnly evaluates the rule table for the loaded context and logs when the
// unreachable fallback fires.
func (e Engine) readOnly(dc decisionContext) (bool, string) {
	verdict, rule := ReadOnly(dc.facts)
	if rule == ReadOnlyFallbackRule {
		e.logf("read-only verdict fell through for item %s, defaulting to read-only", dc.item.ID)
	}
	return verdict, rule
}
