package domain

// Status is a recorded or displayed decision on a certification item.
// ApproveAccount and RevokeAccount are never stored: ApproveAccount persists as
// Approved per item, RevokeAccount persists as Remediated with the
// revoke-account flag set.
type Status string

const (
	StatusApproved       Status = "approved"
	StatusApproveAccount Status = "approve_account"
	StatusRemediated     Status = "remediated"
	StatusRevokeAccount  Status = "revoke_account"
	StatusMitigated      Status = "mitigated"
	StatusAcknowledged   Status = "acknowledged"
	StatusDelegated      Status = "delegated"
	StatusCleared        Status = "cleared"
)

// ItemType distinguishes what kind of fact an item certifies.
type ItemType string

const (
	ItemException              ItemType = "exception"
	ItemBundle                 ItemType = "bundle"
	ItemPolicyViolation        ItemType = "policy_violation"
	ItemAccount                ItemType = "account"
	ItemAccountGroupMembership ItemType = "account_group_membership"
	ItemDataOwner              ItemType = "data_owner"
	ItemBusinessRoleProfile    ItemType = "business_role_profile"
)

// EntityType is the kind of subject being certified.
type EntityType string

const (
	EntityIdentity     EntityType = "identity"
	EntityAccountGroup EntityType = "account_group"
	EntityBusinessRole EntityType = "business_role"
	EntityDataOwner    EntityType = "data_owner"
)

// Phase mirrors the certification lifecycle.
type Phase string

const (
	PhaseStaged      Phase = "staged"
	PhaseActive      Phase = "active"
	PhaseChallenge   Phase = "challenge"
	PhaseRemediation Phase = "remediation"
	PhaseEnd         Phase = "end"
)

// WorkState is the completion state of a delegation work item. An empty state
// means the delegation is still open.
type WorkState string

const (
	WorkStateOpen     WorkState = ""
	WorkStateFinished WorkState = "finished"
	WorkStateReturned WorkState = "returned"
	WorkStateExpired  WorkState = "expired"
)

// Monitor carries the authorship fields shared by actions and delegations.
// ActorName is never reset when work is forwarded; ownership changes are
// recoverable via the work-item owner-change log instead.
type Monitor struct {
	ActorName      string `json:"actor_name"`
	OwnerName      string `json:"owner_name,omitempty"`
	ActingWorkItem string `json:"acting_work_item,omitempty"`
	WorkItemID     string `json:"work_item_id,omitempty"`
	Description    string `json:"description,omitempty"`
	Comments       string `json:"comments,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// Action records a decision on an item or entity. An empty ActingWorkItem means
// the decision was made directly in the certification.
type Action struct {
	Monitor
	Status               Status `json:"status"`
	RevokeAccount        bool   `json:"revoke_account,omitempty"`
	Reviewed             bool   `json:"reviewed,omitempty"`
	MitigationExpiration string `json:"mitigation_expiration,omitempty" format:"date-time"`
}

// Delegation records a handoff of decision responsibility. WorkItemID is the
// open work item tracking the delegation while it is active.
type Delegation struct {
	Monitor
	State          WorkState `json:"state,omitempty"`
	Revoked        bool      `json:"revoked,omitempty"`
	ReviewRequired bool      `json:"review_required,omitempty"`
}

// Active reports whether the delegation is still in play: not revoked and not
// yet finished or returned.
func (d *Delegation) Active() bool {
	return d != nil && !d.Revoked && d.State == WorkStateOpen
}

// Returned reports whether the delegate handed the work back undecided.
func (d *Delegation) Returned() bool {
	return d != nil && !d.Revoked && d.State == WorkStateReturned
}

// Challenge tracks a certified user's objection to a revocation decision.
type Challenge struct {
	Challenged      bool   `json:"challenged"`
	Decided         bool   `json:"decided,omitempty"`
	DecisionExpired bool   `json:"decision_expired,omitempty"`
	Comments        string `json:"comments,omitempty"`
}

// Certification is one review instance. Once Signed is non-empty every item in
// it is read-only.
type Certification struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Phase              Phase    `json:"phase"`
	Signed             string   `json:"signed,omitempty" format:"date-time"`
	Certifiers         []string `json:"certifiers"`
	ParentID           string   `json:"parent_id,omitempty"`
	BulkReassignment   bool     `json:"bulk_reassignment,omitempty"`
	AccountGranularity bool     `json:"account_granularity,omitempty"`
	Version            int64    `json:"version"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

// HasBeenSigned reports whether the certification is sealed.
func (c *Certification) HasBeenSigned() bool {
	return c != nil && c.Signed != ""
}

// CertificationEntity is the certified subject. TargetName is the identity (or
// group/role/target) under review.
type CertificationEntity struct {
	ID              string      `json:"id"`
	CertificationID string      `json:"certification_id"`
	Type            EntityType  `json:"type"`
	TargetID        string      `json:"target_id,omitempty"`
	TargetName      string      `json:"target_name"`
	Action          *Action     `json:"action,omitempty"`
	Delegation      *Delegation `json:"delegation,omitempty"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
}

// Delegated reports whether the entity is under an active delegation.
func (e *CertificationEntity) Delegated() bool {
	return e != nil && e.Delegation.Active()
}

// CertificationItem is one certifiable fact inside an entity.
type CertificationItem struct {
	ID              string      `json:"id"`
	EntityID        string      `json:"entity_id"`
	CertificationID string      `json:"certification_id"`
	Type            ItemType    `json:"type"`
	Phase           Phase       `json:"phase,omitempty"`
	TargetID        string      `json:"target_id,omitempty"`
	TargetName      string      `json:"target_name,omitempty"`
	Application     string      `json:"application,omitempty"`
	AccountName     string      `json:"account_name,omitempty"`
	Action          *Action     `json:"action,omitempty"`
	Delegation      *Delegation `json:"delegation,omitempty"`
	Challenge       *Challenge  `json:"challenge,omitempty"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
}

// Delegated reports whether the item itself is under an active delegation.
func (i *CertificationItem) Delegated() bool {
	return i != nil && i.Delegation.Active()
}

// DelegationReturned reports whether the item delegation was handed back.
func (i *CertificationItem) DelegationReturned() bool {
	return i != nil && i.Delegation.Returned()
}

// RequiresReview reports whether a delegate decision on this item is awaiting
// the certifier's review.
func (i *CertificationItem) RequiresReview() bool {
	if i == nil || i.Delegation == nil || i.Action == nil {
		return false
	}
	return i.Delegation.ReviewRequired && !i.Action.Reviewed
}

// DecidedInEntityDelegationChain reports whether the item's action was made
// inside the entity delegation's work-item chain: either directly in the entity
// delegation work item, or in an item delegation that was itself requested from
// the entity delegation work item.
func (i *CertificationItem) DecidedInEntityDelegationChain(entityDel *Delegation) bool {
	if i == nil || i.Action == nil || i.Action.ActingWorkItem == "" ||
		!entityDel.Active() {
		return false
	}
	if i.Action.ActingWorkItem == entityDel.WorkItemID {
		return true
	}
	itemDelegatedFromEntity := i.Delegation != nil &&
		i.Delegation.ActingWorkItem != "" &&
		i.Delegation.ActingWorkItem == entityDel.WorkItemID
	return itemDelegatedFromEntity && i.Action.ActingWorkItem == i.Delegation.WorkItemID
}

// UseRevokeAccountInsteadOfRevoke reports whether revoking this item always
// means revoking the whole account, so a plain revoke choice is not offered.
func (i *CertificationItem) UseRevokeAccountInsteadOfRevoke(accountGranularity bool) bool {
	if i == nil {
		return false
	}
	if i.Type == ItemAccount {
		return true
	}
	return i.Type == ItemException && accountGranularity
}

// AllowAccountLevelActions reports whether the item belongs to an account and
// can carry account-wide decisions.
func (i *CertificationItem) AllowAccountLevelActions() bool {
	if i == nil || i.AccountName == "" {
		return false
	}
	return i.Type == ItemException || i.Type == ItemAccount
}

// OwnerChange is one reassignment event in a work item's history.
type OwnerChange struct {
	FromOwner string `json:"from_owner"`
	ToOwner   string `json:"to_owner"`
	TS        string `json:"ts" format:"date-time"`
}

// WorkItem is a task-queue entry with a reassignable owner. OwnerHistory is an
// append-only log of forwards, oldest first.
type WorkItem struct {
	ID              string        `json:"id"`
	CertificationID string        `json:"certification_id"`
	EntityID        string        `json:"entity_id,omitempty"`
	ItemID          string        `json:"item_id,omitempty"`
	Owner           string        `json:"owner"`
	OwnerHistory    []OwnerChange `json:"owner_history,omitempty"`
	State           WorkState     `json:"state,omitempty"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
}

// Identity is a reviewer or certified subject.
type Identity struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Capabilities granting owner-equivalent access over certifications.
const (
	CapCertificationAdmin = "certification_admin"
	CapSystemAdmin        = "system_admin"
)

// HasCapability reports whether the identity carries the named capability.
func (id *Identity) HasCapability(capability string) bool {
	if id == nil {
		return false
	}
	for _, c := range id.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Event is one audit-log entry.
type Event struct {
	ID              int64  `json:"id"`
	TS              string `json:"ts" format:"date-time"`
	Type            string `json:"type"`
	CertificationID string `json:"certification_id,omitempty"`
	EntityKind      string `json:"entity_kind"`
	EntityID        string `json:"entity_id,omitempty"`
	ActorName       string `json:"actor_name"`
	Payload         string `json:"payload_json"`
}

// APIKey authenticates an identity against the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorName string `json:"actor_name"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
