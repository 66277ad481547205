package server

import (
	"certline/internal/domain"
)

// Request payloads. Responses reuse the domain types directly: unlike raw
// storage rows they already carry wire-ready JSON tags.

type CreateCertificationRequest struct {
	ID                 *string  `json:"id,omitempty"`
	Name               string   `json:"name"`
	Certifiers         []string `json:"certifiers"`
	ParentID           *string  `json:"parent_id,omitempty"`
	BulkReassignment   bool     `json:"bulk_reassignment,omitempty"`
	AccountGranularity bool     `json:"account_granularity,omitempty"`
}

type SetPhaseRequest struct {
	Phase string `json:"phase" enum:"staged,active,challenge,remediation,end"`
}

type CreateEntityRequest struct {
	ID         *string `json:"id,omitempty"`
	Type       string  `json:"type,omitempty" enum:"identity,account_group,business_role,data_owner"`
	TargetID   *string `json:"target_id,omitempty"`
	TargetName string  `json:"target_name"`
}

type CreateItemRequest struct {
	ID          *string `json:"id,omitempty"`
	Type        string  `json:"type,omitempty" enum:"exception,bundle,policy_violation,account,account_group_membership,data_owner,business_role_profile"`
	TargetID    *string `json:"target_id,omitempty"`
	TargetName  *string `json:"target_name,omitempty"`
	Application *string `json:"application,omitempty"`
	AccountName *string `json:"account_name,omitempty"`
}

type DecisionRequest struct {
	Status                  string  `json:"status" enum:"approved,approve_account,remediated,revoke_account,mitigated,acknowledged,cleared"`
	WorkItem                *string `json:"work_item,omitempty"`
	Comments                *string `json:"comments,omitempty"`
	Description             *string `json:"description,omitempty"`
	RemediationOwner        *string `json:"remediation_owner,omitempty"`
	MitigationExpiration    *string `json:"mitigation_expiration,omitempty" format:"date-time"`
	ExpireNextCertification bool    `json:"expire_next_certification,omitempty"`
}

type DelegationRequest struct {
	Recipient   string  `json:"recipient"`
	WorkItem    *string `json:"work_item,omitempty"`
	Description *string `json:"description,omitempty"`
	Comments    *string `json:"comments,omitempty"`
}

type ForwardWorkItemRequest struct {
	NewOwner string `json:"new_owner"`
}

type CompleteWorkItemRequest struct {
	State string `json:"state" enum:"finished,returned"`
}

type CreateIdentityRequest struct {
	Name         string   `json:"name"`
	DisplayName  *string  `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorName string  `json:"actor_name"`
	Name      *string `json:"name,omitempty"`
}

// Composite responses

type SignResponse struct {
	Signed   bool     `json:"signed"`
	Warnings []string `json:"warnings,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	ActorName string `json:"actor_name"`
	Name      string `json:"name,omitempty"`
	// Key is the plaintext secret, shown once at creation.
	Key string `json:"key"`
}

type MeResponse struct {
	ActorName    string   `json:"actor_name"`
	Capabilities []string `json:"capabilities,omitempty"`
	Source       string   `json:"source"`
}

func stringOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func itemType(s string) domain.ItemType {
	if s == "" {
		return domain.ItemException
	}
	return domain.ItemType(s)
}

func entityType(s string) domain.EntityType {
	if s == "" {
		return domain.EntityIdentity
	}
	return domain.EntityType(s)
}
