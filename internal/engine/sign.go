package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"certline/internal/domain"
	"certline/internal/engine/authz"
	"certline/internal/events"
	"certline/internal/repo"
)

// Sign seals the certification. Every item must carry a decision, no
// delegation may still be open, and no challenge may be awaiting a decision.
// A concurrent modification during the final write is reported as warnings
// rather than an error; the caller shows them and the certification stays
// unsigned.
func (e Engine) Sign(ctx context.Context, certificationID, signerName string) ([]string, error) {
	cert, err := e.Repo.GetCertification(ctx, certificationID)
	if err != nil {
		return nil, err
	}
	if cert.HasBeenSigned() {
		return nil, &authz.InvalidStateError{Op: "sign", Reason: "certification is already signed"}
	}
	signer, err := e.Repo.GetIdentity(ctx, signerName)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", signerName, err)
	}
	if !authz.IsCertifier(&cert, signer.Name) && !authz.IsCertificationAdmin(&signer) {
		return nil, &authz.AuthorizationError{Actor: signerName, Reason: "not a certifier"}
	}

	if err := e.checkSignable(ctx, cert); err != nil {
		return nil, err
	}

	signed := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.SignCertification(ctx, tx, cert.ID, signed, cert.Version); err != nil {
		if errors.Is(err, repo.ErrLocked) {
			return []string{fmt.Sprintf("certification %s was modified concurrently; sign again once the other change settles", cert.ID)}, nil
		}
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "certification.signed", cert.ID, "certification", cert.ID, signerName, events.EventPayload{
		"signed": signed,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (e Engine) checkSignable(ctx context.Context, cert domain.Certification) error {
	items, err := e.Repo.ListItemsByCertification(ctx, cert.ID)
	if err != nil {
		return err
	}
	entities, err := e.Repo.ListEntities(ctx, cert.ID)
	if err != nil {
		return err
	}
	for _, entity := range entities {
		if entity.Delegated() {
			return &authz.InvalidStateError{Op: "sign", Reason: fmt.Sprintf("entity %s is still delegated", entity.ID)}
		}
	}
	for _, item := range items {
		if item.Delegated() {
			return &authz.InvalidStateError{Op: "sign", Reason: fmt.Sprintf("item %s is still delegated", item.ID)}
		}
		if item.Action == nil {
			return &authz.InvalidStateError{Op: "sign", Reason: fmt.Sprintf("item %s is undecided", item.ID)}
		}
		if ch := item.Challenge; ch != nil && ch.Challenged && !ch.Decided && !ch.DecisionExpired {
			return &authz.InvalidStateError{Op: "sign", Reason: fmt.Sprintf("item %s has an open challenge", item.ID)}
		}
	}
	return nil
}
