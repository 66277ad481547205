package repo

import (
	"context"
	"database/sql"

	"certline/internal/domain"
)

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO work_items(id,certification_id,entity_id,item_id,owner,state,created_at)
VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.CertificationID, nullable(w.EntityID), nullable(w.ItemID), w.Owner, string(w.State), w.CreatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,certification_id,COALESCE(entity_id,''),COALESCE(item_id,''),owner,COALESCE(state,''),created_at
FROM work_items WHERE id=?`, id)
	var w domain.WorkItem
	err := row.Scan(&w.ID, &w.CertificationID, &w.EntityID, &w.ItemID, &w.Owner, &w.State, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.OwnerHistory, err = r.listOwnerHistory(ctx, w.ID)
	return w, err
}

func (r Repo) ListWorkItems(ctx context.Context, certificationID string) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,certification_id,COALESCE(entity_id,''),COALESCE(item_id,''),owner,COALESCE(state,''),created_at
FROM work_items WHERE certification_id=? ORDER BY created_at, id`, certificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		var w domain.WorkItem
		if err := rows.Scan(&w.ID, &w.CertificationID, &w.EntityID, &w.ItemID, &w.Owner, &w.State, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].OwnerHistory, err = r.listOwnerHistory(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) ListWorkItemsByOwner(ctx context.Context, owner string) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,certification_id,COALESCE(entity_id,''),COALESCE(item_id,''),owner,COALESCE(state,''),created_at
FROM work_items WHERE owner=? ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		var w domain.WorkItem
		if err := rows.Scan(&w.ID, &w.CertificationID, &w.EntityID, &w.ItemID, &w.Owner, &w.State, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].OwnerHistory, err = r.listOwnerHistory(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ForwardWorkItem reassigns ownership and appends the change to the owner
// history log in the same transaction.
func (r Repo) ForwardWorkItem(ctx context.Context, tx *sql.Tx, id, fromOwner, toOwner, ts string) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE work_items SET owner=? WHERE id=? AND owner=?`, toOwner, id, fromOwner)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO work_item_owner_history(work_item_id,from_owner,to_owner,ts) VALUES (?,?,?,?)`,
		id, fromOwner, toOwner, ts)
	return err
}

// ResetDelegationOwner follows a forward: the delegation tracking the work
// item now belongs to the new owner. Actors are never reset.
func (r Repo) ResetDelegationOwner(ctx context.Context, tx *sql.Tx, workItemID, newOwner string) error {
	_, err := r.exec(tx).ExecContext(ctx, `UPDATE delegations SET owner_name=? WHERE work_item_id=?`, newOwner, workItemID)
	return err
}

func (r Repo) SetWorkItemState(ctx context.Context, tx *sql.Tx, id string, state domain.WorkState) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE work_items SET state=? WHERE id=?`, string(state), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) listOwnerHistory(ctx context.Context, workItemID string) ([]domain.OwnerChange, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_owner,to_owner,ts FROM work_item_owner_history WHERE work_item_id=? ORDER BY rowid`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OwnerChange
	for rows.Next() {
		var oc domain.OwnerChange
		if err := rows.Scan(&oc.FromOwner, &oc.ToOwner, &oc.TS); err != nil {
			return nil, err
		}
		res = append(res, oc)
	}
	return res, rows.Err()
}
