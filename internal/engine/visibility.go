package engine

import (
	"certline/internal/domain"
)

// NormalizeStatus is the single point where stored statuses are coerced for
// display and decision purposes: a remediation with the revoke-account flag
// surfaces as the RevokeAccount pseudo-status, and acknowledgments surface as
// mitigations. A nil action normalizes to the empty no-decision status.
func NormalizeStatus(a *domain.Action) domain.Status {
	if a == nil {
		return ""
	}
	switch {
	case a.Status == domain.StatusRemediated && a.RevokeAccount:
		return domain.StatusRevokeAccount
	case a.Status == domain.StatusAcknowledged:
		return domain.StatusMitigated
	}
	return a.Status
}

// EditFacts is everything the read-only verdict depends on.
type EditFacts struct {
	Signed             bool
	DecisionLocked     bool
	ItemDelegated      bool
	IdentityDelegated  bool
	DelegationReturned bool
	HasAction          bool
	Role               Role
}

// readOnlyRule is one row of the editability table. applies picks the row,
// verdict answers it. Rows are evaluated in order and the first applicable one
// wins.
type readOnlyRule struct {
	name    string
	applies func(f EditFacts) bool
	verdict func(f EditFacts) bool
}

var readOnlyRules = []readOnlyRule{
	{
		name:    "signed",
		applies: func(f EditFacts) bool { return f.Signed },
		verdict: func(f EditFacts) bool { return true },
	},
	{
		name:    "decision-locked",
		applies: func(f EditFacts) bool { return f.DecisionLocked },
		verdict: func(f EditFacts) bool { return true },
	},
	{
		// Neither the item nor the entity is delegated. Only a certifier
		// may edit.
		name:    "no-delegation",
		applies: func(f EditFacts) bool { return !f.ItemDelegated && !f.IdentityDelegated },
		verdict: func(f EditFacts) bool { return !f.Role.IsCertificationOwner },
	},
	{
		// Item delegated, entity not. Editable by the delegation owner, by
		// the requester outside the delegation's own work item (so the
		// requester can revoke it), or by a certifier reviewing a
		// certifier-originated delegation from the report.
		name:    "item-delegated",
		applies: func(f EditFacts) bool { return f.ItemDelegated && !f.IdentityDelegated },
		verdict: func(f EditFacts) bool {
			r := f.Role
			if r.IsItemDelegationOwner ||
				(r.IsItemDelegationRequester && !r.IsViewingItemWorkItem) ||
				(r.IsCertificationOwner && r.IsCertifierItemDelegationRequester &&
					r.IsViewingCertification) {
				return false
			}
			return true
		},
	},
	{
		// Entity delegated, item not. The branch boundaries here follow the
		// historical behavior exactly, including the asymmetry between the
		// owner and non-owner sub-cases.
		name:    "identity-delegated",
		applies: func(f EditFacts) bool { return f.IdentityDelegated && !f.ItemDelegated },
		verdict: func(f EditFacts) bool {
			r := f.Role
			isReturnedItemRequester := f.DelegationReturned && r.IsItemDelegationRequester

			if r.IsIdentityDelegationOwner {
				if (isReturnedItemRequester || !f.DelegationReturned) &&
					(!f.HasAction || r.IsItemActionActor) {
					return false
				}
				if !r.WasItemDecidedOutsideOfIdentityDelegation {
					return false
				}
				if r.IsCertificationOwner && r.IsViewingCertification &&
					r.WasItemDecidedOutsideOfIdentityDelegation {
					return false
				}
				return true
			}
			if r.IsItemActionActor {
				return false
			}
			if isReturnedItemRequester && r.IsViewingCertification {
				return false
			}
			if r.IsCertificationOwner && r.IsViewingCertification &&
				r.WasItemDecidedOutsideOfIdentityDelegation {
				return false
			}
			return true
		},
	},
	{
		// Both delegated. The identity delegation owner may only edit an
		// item delegation they requested themselves; the item delegation
		// owner and requester may always edit.
		name:    "both-delegated",
		applies: func(f EditFacts) bool { return f.IdentityDelegated && f.ItemDelegated },
		verdict: func(f EditFacts) bool {
			r := f.Role
			if r.IsIdentityDelegationOwner {
				return !r.IsItemDelegationRequester
			}
			if r.IsItemDelegationOwner || r.IsItemDelegationRequester {
				return false
			}
			return true
		},
	},
}

// ReadOnlyFallbackRule names the unreachable default. The delegation rows
// above cover all four combinations, so hitting it means the table changed
// shape; the caller logs and treats the item as read-only.
const ReadOnlyFallbackRule = "fallback"

// ReadOnly walks the rule table and returns the verdict together with the name
// of the rule that decided it.
func ReadOnly(f EditFacts) (bool, string) {
	for _, rule := range readOnlyRules {
		if rule.applies(f) {
			return rule.verdict(f), rule.name
		}
	}
	return true, ReadOnlyFallbackRule
}

// DisplayStatus masks the raw action status behind Delegated for viewers who
// are not entitled to see it. raw must already be normalized.
//
// In the certification report a delegated item always shows Delegated, and an
// item under an entity delegation shows Delegated unless the viewer made the
// decision or it was decided outside the delegation chain. Inside a work item
// the actor and the delegation's own work item see the raw status; the
// requester or the surrounding identity delegation's owner see Delegated.
func DisplayStatus(r Role, itemDelegated, identityDelegated bool, raw domain.Status) domain.Status {
	if r.IsViewingCertification {
		if itemDelegated {
			return domain.StatusDelegated
		}
		if identityDelegated {
			if r.IsItemActionActor || r.WasItemDecidedOutsideOfIdentityDelegation {
				return raw
			}
			return domain.StatusDelegated
		}
		return raw
	}
	if itemDelegated {
		if r.IsItemActionActor || r.IsViewingItemWorkItem {
			return raw
		}
		if r.IsItemDelegationRequester || r.IsIdentityDelegationRequester ||
			r.IsIdentityDelegationOwner {
			return domain.StatusDelegated
		}
	}
	return raw
}

// ShowDelegationReview reports whether the review link is offered: only to a
// certifier in the report, for a pending, non-returned delegate decision that
// was not made inside a still-active entity delegation.
func ShowDelegationReview(r Role, item domain.CertificationItem, entity domain.CertificationEntity) bool {
	if !r.IsViewingCertification || !r.IsCertificationOwner {
		return false
	}
	return !item.DelegationReturned() && item.RequiresReview() &&
		(!r.WasItemDecidedDuringIdentityDelegation || !entity.Delegation.Active())
}

// ShowDelegationComments reports whether a finished item delegation's comments
// are displayed.
func ShowDelegationComments(r Role, item domain.CertificationItem, entity domain.CertificationEntity) bool {
	return showDelegationCompletion(domain.WorkStateFinished, r, item, entity)
}

// ShowReturnedDelegation reports whether the item's delegation is surfaced as
// returned.
func ShowReturnedDelegation(r Role, item domain.CertificationItem, entity domain.CertificationEntity) bool {
	return showDelegationCompletion(domain.WorkStateReturned, r, item, entity)
}

func showDelegationCompletion(state domain.WorkState, r Role, item domain.CertificationItem, entity domain.CertificationEntity) bool {
	del := item.Delegation
	if del == nil || del.State != state || ShowDelegationReview(r, item, entity) {
		return false
	}
	// An empty acting work item means the delegation was requested from the
	// certification itself.
	if del.ActingWorkItem == "" {
		return r.IsViewingCertification || r.IsCertificationOwner
	}
	if r.IsItemDelegationRequester || r.IsViewingIdentityWorkItem {
		return true
	}
	identityDel := entity.Delegation
	return identityDel != nil && !identityDel.Active() &&
		del.ActingWorkItem == identityDel.WorkItemID
}

// ChallengeFlags are the challenge-related display switches for one item.
type ChallengeFlags struct {
	ShowChallenge           bool
	ShowChallengeExpiration bool
	AllowChallengeDecision  bool
}

// ChallengeDisplay derives the challenge flags from the item's challenge
// record, if any.
func ChallengeDisplay(item domain.CertificationItem) ChallengeFlags {
	var f ChallengeFlags
	ch := item.Challenge
	if ch == nil || !ch.Challenged {
		return f
	}
	if ch.DecisionExpired {
		f.ShowChallengeExpiration = true
	} else {
		f.ShowChallenge = true
	}
	f.AllowChallengeDecision = f.ShowChallenge && !ch.Decided
	return f
}
