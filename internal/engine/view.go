package engine

import (
	"context"

	"certline/internal/domain"
)

// ItemView is everything a client needs to render one item for one viewer:
// the masked status, the editability verdict with the rule that produced it,
// the legal decision choices, and the delegation and challenge display flags.
type ItemView struct {
	Item domain.CertificationItem `json:"item"`

	Status       domain.Status `json:"status,omitempty"`
	ReadOnly     bool          `json:"read_only"`
	ReadOnlyRule string        `json:"read_only_rule"`

	Choices []domain.Status `json:"choices,omitempty"`

	ShowRemediationDialog  bool `json:"show_remediation_dialog,omitempty"`
	ShowDelegationReview   bool `json:"show_delegation_review,omitempty"`
	ShowDelegationComments bool `json:"show_delegation_comments,omitempty"`
	ShowReturnedDelegation bool `json:"show_returned_delegation,omitempty"`

	ShowChallenge           bool `json:"show_challenge,omitempty"`
	ShowChallengeExpiration bool `json:"show_challenge_expiration,omitempty"`
	AllowChallengeDecision  bool `json:"allow_challenge_decision,omitempty"`
}

// View computes the item's presentation for the given viewer. workItemID is
// the work item being viewed, empty for the certification report.
func (e Engine) View(ctx context.Context, itemID, viewerName, workItemID string) (ItemView, error) {
	dc, err := e.loadDecisionContext(ctx, itemID, viewerName, workItemID)
	if err != nil {
		return ItemView{}, err
	}

	readOnly, rule := e.readOnly(dc)
	v := ItemView{
		Item:         dc.item,
		Status:       DisplayStatus(dc.role, dc.item.Delegated(), dc.entity.Delegated(), NormalizeStatus(dc.item.Action)),
		ReadOnly:     readOnly,
		ReadOnlyRule: rule,
	}
	if !readOnly {
		v.Choices = StatusChoices(dc.role, dc.item, dc.entity, dc.cert, dc.cfg.Definition)
		v.ShowRemediationDialog = ShowRemediationDialog(dc.item)
	}
	v.ShowDelegationReview = ShowDelegationReview(dc.role, dc.item, dc.entity)
	v.ShowDelegationComments = ShowDelegationComments(dc.role, dc.item, dc.entity)
	v.ShowReturnedDelegation = ShowReturnedDelegation(dc.role, dc.item, dc.entity)

	ch := ChallengeDisplay(dc.item)
	v.ShowChallenge = ch.ShowChallenge
	v.ShowChallengeExpiration = ch.ShowChallengeExpiration
	v.AllowChallengeDecision = ch.AllowChallengeDecision

	return v, nil
}
