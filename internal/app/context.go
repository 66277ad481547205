package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"certline/internal/config"
	"certline/internal/domain"
	"certline/internal/repo"

	"github.com/google/uuid"
)

// ResolveCertificationAndConfig picks the active certification and ensures a
// certification + definition exist in the DB, seeding defaults when missing.
// It prefers the override, then a single-certification DB. A missing
// certification is created on the fly with the acting identity as certifier.
func ResolveCertificationAndConfig(ctx context.Context, certificationOverride, actorName string, r repo.Repo) (string, *config.Config, error) {
	certificationID := certificationOverride
	if certificationID == "" {
		if c, err := r.SingleCertification(ctx); err == nil {
			certificationID = c.ID
		} else {
			return "", nil, fmt.Errorf("certification not specified; use --certification")
		}
	}
	seedCfg := config.Default(certificationID)

	if _, err := r.GetCertification(ctx, certificationID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createCertification(ctx, r, certificationID, seedCfg, actorName); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetCertificationConfig(ctx, certificationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertCertificationConfig(ctx, certificationID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed certification config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Certification.ID = certificationID
	return certificationID, cfg, nil
}

// createCertification inserts a minimal certification footprint: the acting
// identity as sole certifier, the seed definition, and one access-review work
// item.
func createCertification(ctx context.Context, r repo.Repo, certificationID string, seedCfg *config.Config, actorName string) error {
	if seedCfg == nil {
		seedCfg = config.Default(certificationID)
	}
	if actorName == "" {
		actorName = "local-user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := r.GetIdentity(ctx, actorName); errors.Is(err, repo.ErrNotFound) {
		if err := r.UpsertIdentity(ctx, domain.Identity{Name: actorName, CreatedAt: now}); err != nil {
			return fmt.Errorf("ensure identity: %w", err)
		}
	} else if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c := domain.Certification{
		ID:         certificationID,
		Name:       certificationID,
		Phase:      domain.PhaseActive,
		Certifiers: []string{actorName},
		CreatedAt:  now,
	}
	if err := r.InsertCertification(ctx, tx, c); err != nil {
		return fmt.Errorf("insert certification: %w", err)
	}
	if err := r.UpsertCertificationConfigTx(ctx, tx, certificationID, seedCfg); err != nil {
		return fmt.Errorf("insert certification config: %w", err)
	}
	wi := domain.WorkItem{
		ID:              uuid.New().String(),
		CertificationID: certificationID,
		Owner:           actorName,
		CreatedAt:       now,
	}
	if err := r.InsertWorkItem(ctx, tx, wi); err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return tx.Commit()
}
