package engine

import (
	"certline/internal/config"
	"certline/internal/domain"
)

// choiceBuilder produces the ordered legal decision choices for one item type.
type choiceBuilder func(r Role, item domain.CertificationItem, entity domain.CertificationEntity,
	cert domain.Certification, def config.Definition) []domain.Status

// choiceBuilders routes item types with special choice rules; every other
// type uses defaultChoices.
var choiceBuilders = map[domain.ItemType]choiceBuilder{
	domain.ItemPolicyViolation: policyViolationChoices,
}

// StatusChoices returns the decision choices offered to the viewer for the
// item, in display order.
func StatusChoices(r Role, item domain.CertificationItem, entity domain.CertificationEntity,
	cert domain.Certification, def config.Definition) []domain.Status {

	build := choiceBuilders[item.Type]
	if build == nil {
		build = defaultChoices
	}
	return build(r, item, entity, cert, def)
}

func defaultChoices(r Role, item domain.CertificationItem, entity domain.CertificationEntity,
	cert domain.Certification, def config.Definition) []domain.Status {

	choices := []domain.Status{domain.StatusApproved}

	accountLevel := item.AllowAccountLevelActions()
	if item.Type != domain.ItemAccount && approveAccountAllowed(r, def) && accountLevel {
		// Not a real stored action, a convenience so users need not approve
		// every item on an account one by one.
		choices = append(choices, domain.StatusApproveAccount)
	}

	// No plain revoke when revoking this item always means revoking the
	// whole account.
	if !item.UseRevokeAccountInsteadOfRevoke(cert.AccountGranularity) {
		choices = append(choices, domain.StatusRemediated)
	}

	// Revoke account is offered even when plain revoke is suppressed.
	if accountLevel && revokeAccountAllowed(r, def) {
		choices = append(choices, domain.StatusRevokeAccount)
	}

	// Account group and business role subjects cannot be mitigated.
	if entity.Type != domain.EntityAccountGroup && entity.Type != domain.EntityBusinessRole &&
		def.AllowExceptions {
		choices = append(choices, domain.StatusMitigated)
	}

	// No delegating from within the item's own delegation work item.
	if !r.IsViewingItemWorkItem && def.AllowItemDelegation {
		choices = append(choices, domain.StatusDelegated)
	}

	return choices
}

// policyViolationChoices overrides the default set entirely: a violation is
// allowed (mitigated) or corrected (remediated), and may be delegated under
// the entity-delegation permission rather than the item one.
func policyViolationChoices(r Role, item domain.CertificationItem, entity domain.CertificationEntity,
	cert domain.Certification, def config.Definition) []domain.Status {

	choices := []domain.Status{domain.StatusMitigated, domain.StatusRemediated}
	if !r.IsViewingItemWorkItem && def.AllowEntityDelegation {
		choices = append(choices, domain.StatusDelegated)
	}
	return choices
}

func approveAccountAllowed(r Role, def config.Definition) bool {
	return !r.IsViewingItemWorkItem && def.AllowApproveAccounts
}

func revokeAccountAllowed(r Role, def config.Definition) bool {
	return !r.IsViewingItemWorkItem && def.AllowAccountRevocation
}

// ShowRemediationDialog reports whether picking a revoke choice must prompt
// for remediation details. Policy violations always prompt so the certifier
// can choose which conflicting roles to remove.
func ShowRemediationDialog(item domain.CertificationItem) bool {
	return item.Type == domain.ItemPolicyViolation
}
