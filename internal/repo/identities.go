package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"certline/internal/domain"
)

func (r Repo) UpsertIdentity(ctx context.Context, id domain.Identity) error {
	caps, err := json.Marshal(id.Capabilities)
	if err != nil {
		return err
	}
	if id.CreatedAt == "" {
		id.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO identities(name,display_name,capabilities_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET display_name=excluded.display_name, capabilities_json=excluded.capabilities_json`,
		id.Name, id.DisplayName, string(caps), id.CreatedAt)
	return err
}

func (r Repo) GetIdentity(ctx context.Context, name string) (domain.Identity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT name,COALESCE(display_name,''),capabilities_json,created_at FROM identities WHERE name=?`, name)
	var id domain.Identity
	var caps string
	err := row.Scan(&id.Name, &id.DisplayName, &caps, &id.CreatedAt)
	if err == sql.ErrNoRows {
		return id, ErrNotFound
	}
	if err != nil {
		return id, err
	}
	return id, json.Unmarshal([]byte(caps), &id.Capabilities)
}

func (r Repo) ListIdentities(ctx context.Context) ([]domain.Identity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,COALESCE(display_name,''),capabilities_json,created_at FROM identities ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Identity
	for rows.Next() {
		var id domain.Identity
		var caps string
		if err := rows.Scan(&id.Name, &id.DisplayName, &caps, &id.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(caps), &id.Capabilities); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) DeleteIdentity(ctx context.Context, name string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM identities WHERE name=?`, name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
