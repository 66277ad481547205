package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"certline/internal/config"
	"certline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrLocked signals a concurrent modification detected by the version
	// check on a certification update.
	ErrLocked = errors.New("certification locked by concurrent modification")
)

const (
	ParentItem   = "item"
	ParentEntity = "entity"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) query(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

////////////////////////////////////////////////////////////////////////////
// Certifications
////////////////////////////////////////////////////////////////////////////

func (r Repo) InsertCertification(ctx context.Context, tx *sql.Tx, c domain.Certification) error {
	certifiers, err := json.Marshal(c.Certifiers)
	if err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO certifications(id,name,phase,signed,certifiers_json,parent_id,bulk_reassignment,account_granularity,version,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, string(c.Phase), nullable(c.Signed), string(certifiers), nullable(c.ParentID),
		boolInt(c.BulkReassignment), boolInt(c.AccountGranularity), c.Version, c.CreatedAt)
	return err
}

func (r Repo) GetCertification(ctx context.Context, id string) (domain.Certification, error) {
	return r.getCertification(ctx, nil, id)
}

func (r Repo) getCertification(ctx context.Context, tx *sql.Tx, id string) (domain.Certification, error) {
	row := r.query(tx).QueryRowContext(ctx, `SELECT id,name,phase,COALESCE(signed,''),certifiers_json,COALESCE(parent_id,''),bulk_reassignment,account_granularity,version,created_at
FROM certifications WHERE id=?`, id)
	return scanCertification(row)
}

func scanCertification(row *sql.Row) (domain.Certification, error) {
	var c domain.Certification
	var certifiers string
	var bulk, granularity int
	err := row.Scan(&c.ID, &c.Name, &c.Phase, &c.Signed, &certifiers, &c.ParentID, &bulk, &granularity, &c.Version, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(certifiers), &c.Certifiers); err != nil {
		return c, fmt.Errorf("certifiers for %s: %w", c.ID, err)
	}
	c.BulkReassignment = bulk != 0
	c.AccountGranularity = granularity != 0
	return c, nil
}

func (r Repo) ListCertifications(ctx context.Context) ([]domain.Certification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,phase,COALESCE(signed,''),certifiers_json,COALESCE(parent_id,''),bulk_reassignment,account_granularity,version,created_at
FROM certifications ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certification
	for rows.Next() {
		var c domain.Certification
		var certifiers string
		var bulk, granularity int
		if err := rows.Scan(&c.ID, &c.Name, &c.Phase, &c.Signed, &certifiers, &c.ParentID, &bulk, &granularity, &c.Version, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(certifiers), &c.Certifiers); err != nil {
			return nil, err
		}
		c.BulkReassignment = bulk != 0
		c.AccountGranularity = granularity != 0
		res = append(res, c)
	}
	return res, rows.Err()
}

// SingleCertification returns the certification when exactly one exists.
func (r Repo) SingleCertification(ctx context.Context) (domain.Certification, error) {
	items, err := r.ListCertifications(ctx)
	if err != nil {
		return domain.Certification{}, err
	}
	if len(items) != 1 {
		return domain.Certification{}, ErrNotFound
	}
	return items[0], nil
}

func (r Repo) UpdateCertificationPhase(ctx context.Context, tx *sql.Tx, id string, phase domain.Phase) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE certifications SET phase=?, version=version+1 WHERE id=?`, string(phase), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SignCertification stamps signed using an optimistic version check; a stale
// version returns ErrLocked.
func (r Repo) SignCertification(ctx context.Context, tx *sql.Tx, id, signed string, version int64) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE certifications SET signed=?, version=version+1 WHERE id=? AND version=? AND signed IS NULL`,
		signed, id, version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := r.getCertification(ctx, tx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrLocked
	}
	return nil
}

func (r Repo) DeleteCertification(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM certifications WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

////////////////////////////////////////////////////////////////////////////
// Certification definition config
////////////////////////////////////////////////////////////////////////////

func (r Repo) UpsertCertificationConfig(ctx context.Context, certificationID string, cfg *config.Config) error {
	return r.UpsertCertificationConfigTx(ctx, nil, certificationID, cfg)
}

func (r Repo) UpsertCertificationConfigTx(ctx context.Context, tx *sql.Tx, certificationID string, cfg *config.Config) error {
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO certification_configs(certification_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(certification_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`,
		certificationID, string(data), now)
	return err
}

func (r Repo) GetCertificationConfig(ctx context.Context, certificationID string) (*config.Config, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT yaml FROM certification_configs WHERE certification_id=?`, certificationID)
	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(data))
}

////////////////////////////////////////////////////////////////////////////
// Entities
////////////////////////////////////////////////////////////////////////////

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.CertificationEntity) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO entities(id,certification_id,type,target_id,target_name,created_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.CertificationID, string(e.Type), nullable(e.TargetID), e.TargetName, e.CreatedAt)
	return err
}

func (r Repo) GetEntity(ctx context.Context, id string) (domain.CertificationEntity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,certification_id,type,COALESCE(target_id,''),target_name,created_at FROM entities WHERE id=?`, id)
	var e domain.CertificationEntity
	err := row.Scan(&e.ID, &e.CertificationID, &e.Type, &e.TargetID, &e.TargetName, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if e.Action, err = r.getAction(ctx, ParentEntity, e.ID); err != nil {
		return e, err
	}
	if e.Delegation, err = r.getDelegation(ctx, ParentEntity, e.ID); err != nil {
		return e, err
	}
	return e, nil
}

func (r Repo) ListEntities(ctx context.Context, certificationID string) ([]domain.CertificationEntity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,certification_id,type,COALESCE(target_id,''),target_name,created_at
FROM entities WHERE certification_id=? ORDER BY target_name`, certificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CertificationEntity
	for rows.Next() {
		var e domain.CertificationEntity
		if err := rows.Scan(&e.ID, &e.CertificationID, &e.Type, &e.TargetID, &e.TargetName, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Action, err = r.getAction(ctx, ParentEntity, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].Delegation, err = r.getDelegation(ctx, ParentEntity, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

////////////////////////////////////////////////////////////////////////////
// Items
////////////////////////////////////////////////////////////////////////////

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.CertificationItem) error {
	challenge, err := marshalChallenge(it.Challenge)
	if err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO items(id,entity_id,certification_id,type,phase,target_id,target_name,application,account_name,challenge_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.EntityID, it.CertificationID, string(it.Type), nullable(string(it.Phase)),
		nullable(it.TargetID), nullable(it.TargetName), nullable(it.Application), nullable(it.AccountName),
		challenge, it.CreatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.CertificationItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,entity_id,certification_id,type,COALESCE(phase,''),COALESCE(target_id,''),COALESCE(target_name,''),COALESCE(application,''),COALESCE(account_name,''),COALESCE(challenge_json,''),created_at
FROM items WHERE id=?`, id)
	var it domain.CertificationItem
	var challenge string
	err := row.Scan(&it.ID, &it.EntityID, &it.CertificationID, &it.Type, &it.Phase, &it.TargetID, &it.TargetName, &it.Application, &it.AccountName, &challenge, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if it.Challenge, err = unmarshalChallenge(challenge); err != nil {
		return it, err
	}
	if it.Action, err = r.getAction(ctx, ParentItem, it.ID); err != nil {
		return it, err
	}
	if it.Delegation, err = r.getDelegation(ctx, ParentItem, it.ID); err != nil {
		return it, err
	}
	return it, nil
}

func (r Repo) ListItems(ctx context.Context, entityID string) ([]domain.CertificationItem, error) {
	return r.listItems(ctx, `SELECT id,entity_id,certification_id,type,COALESCE(phase,''),COALESCE(target_id,''),COALESCE(target_name,''),COALESCE(application,''),COALESCE(account_name,''),COALESCE(challenge_json,''),created_at
FROM items WHERE entity_id=? ORDER BY created_at, id`, entityID)
}

func (r Repo) ListItemsByCertification(ctx context.Context, certificationID string) ([]domain.CertificationItem, error) {
	return r.listItems(ctx, `SELECT id,entity_id,certification_id,type,COALESCE(phase,''),COALESCE(target_id,''),COALESCE(target_name,''),COALESCE(application,''),COALESCE(account_name,''),COALESCE(challenge_json,''),created_at
FROM items WHERE certification_id=? ORDER BY created_at, id`, certificationID)
}

func (r Repo) listItems(ctx context.Context, query string, arg any) ([]domain.CertificationItem, error) {
	rows, err := r.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CertificationItem
	for rows.Next() {
		var it domain.CertificationItem
		var challenge string
		if err := rows.Scan(&it.ID, &it.EntityID, &it.CertificationID, &it.Type, &it.Phase, &it.TargetID, &it.TargetName, &it.Application, &it.AccountName, &challenge, &it.CreatedAt); err != nil {
			return nil, err
		}
		if it.Challenge, err = unmarshalChallenge(challenge); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Action, err = r.getAction(ctx, ParentItem, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].Delegation, err = r.getDelegation(ctx, ParentItem, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) UpdateItemChallenge(ctx context.Context, tx *sql.Tx, itemID string, ch *domain.Challenge) error {
	challenge, err := marshalChallenge(ch)
	if err != nil {
		return err
	}
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE items SET challenge_json=? WHERE id=?`, challenge, itemID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

////////////////////////////////////////////////////////////////////////////
// Actions
////////////////////////////////////////////////////////////////////////////

func (r Repo) getAction(ctx context.Context, parentKind, parentID string) (*domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT actor_name,COALESCE(owner_name,''),COALESCE(acting_work_item,''),COALESCE(description,''),COALESCE(comments,''),status,revoke_account,reviewed,COALESCE(mitigation_expiration,''),created_at
FROM actions WHERE parent_kind=? AND parent_id=?`, parentKind, parentID)
	var a domain.Action
	var revoke, reviewed int
	err := row.Scan(&a.ActorName, &a.OwnerName, &a.ActingWorkItem, &a.Description, &a.Comments, &a.Status, &revoke, &reviewed, &a.MitigationExpiration, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.RevokeAccount = revoke != 0
	a.Reviewed = reviewed != 0
	return &a, nil
}

// UpsertAction replaces the current decision record for the parent.
func (r Repo) UpsertAction(ctx context.Context, tx *sql.Tx, parentKind, parentID string, a domain.Action) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO actions(parent_kind,parent_id,actor_name,owner_name,acting_work_item,description,comments,status,revoke_account,reviewed,mitigation_expiration,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(parent_kind,parent_id) DO UPDATE SET
 actor_name=excluded.actor_name, owner_name=excluded.owner_name, acting_work_item=excluded.acting_work_item,
 description=excluded.description, comments=excluded.comments, status=excluded.status,
 revoke_account=excluded.revoke_account, reviewed=excluded.reviewed,
 mitigation_expiration=excluded.mitigation_expiration, created_at=excluded.created_at`,
		parentKind, parentID, a.ActorName, nullable(a.OwnerName), nullable(a.ActingWorkItem),
		nullable(a.Description), nullable(a.Comments), string(a.Status), boolInt(a.RevokeAccount),
		boolInt(a.Reviewed), nullable(a.MitigationExpiration), a.CreatedAt)
	return err
}

func (r Repo) DeleteAction(ctx context.Context, tx *sql.Tx, parentKind, parentID string) error {
	_, err := r.exec(tx).ExecContext(ctx, `DELETE FROM actions WHERE parent_kind=? AND parent_id=?`, parentKind, parentID)
	return err
}

func (r Repo) SetActionReviewed(ctx context.Context, tx *sql.Tx, parentKind, parentID string) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE actions SET reviewed=1 WHERE parent_kind=? AND parent_id=?`, parentKind, parentID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

////////////////////////////////////////////////////////////////////////////
// Delegations
////////////////////////////////////////////////////////////////////////////

func (r Repo) getDelegation(ctx context.Context, parentKind, parentID string) (*domain.Delegation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT actor_name,owner_name,COALESCE(acting_work_item,''),COALESCE(work_item_id,''),COALESCE(description,''),COALESCE(comments,''),state,revoked,review_required,created_at
FROM delegations WHERE parent_kind=? AND parent_id=?`, parentKind, parentID)
	var d domain.Delegation
	var revoked, review int
	err := row.Scan(&d.ActorName, &d.OwnerName, &d.ActingWorkItem, &d.WorkItemID, &d.Description, &d.Comments, &d.State, &revoked, &review, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Revoked = revoked != 0
	d.ReviewRequired = review != 0
	return &d, nil
}

func (r Repo) UpsertDelegation(ctx context.Context, tx *sql.Tx, parentKind, parentID string, d domain.Delegation) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO delegations(parent_kind,parent_id,actor_name,owner_name,acting_work_item,work_item_id,description,comments,state,revoked,review_required,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(parent_kind,parent_id) DO UPDATE SET
 actor_name=excluded.actor_name, owner_name=excluded.owner_name, acting_work_item=excluded.acting_work_item,
 work_item_id=excluded.work_item_id, description=excluded.description, comments=excluded.comments,
 state=excluded.state, revoked=excluded.revoked, review_required=excluded.review_required,
 created_at=excluded.created_at`,
		parentKind, parentID, d.ActorName, d.OwnerName, nullable(d.ActingWorkItem), nullable(d.WorkItemID),
		nullable(d.Description), nullable(d.Comments), string(d.State), boolInt(d.Revoked),
		boolInt(d.ReviewRequired), d.CreatedAt)
	return err
}

func (r Repo) MarkDelegationRevoked(ctx context.Context, tx *sql.Tx, parentKind, parentID string) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE delegations SET revoked=1 WHERE parent_kind=? AND parent_id=?`, parentKind, parentID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) SetDelegationState(ctx context.Context, tx *sql.Tx, parentKind, parentID string, state domain.WorkState) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE delegations SET state=? WHERE parent_kind=? AND parent_id=?`, string(state), parentKind, parentID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) DeleteDelegation(ctx context.Context, tx *sql.Tx, parentKind, parentID string) error {
	_, err := r.exec(tx).ExecContext(ctx, `DELETE FROM delegations WHERE parent_kind=? AND parent_id=?`, parentKind, parentID)
	return err
}

////////////////////////////////////////////////////////////////////////////
// Events
////////////////////////////////////////////////////////////////////////////

func (r Repo) ListEvents(ctx context.Context, certificationID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(certification_id,''),entity_kind,COALESCE(entity_id,''),actor_name,payload_json FROM events`
	var args []any
	if certificationID != "" {
		query += ` WHERE certification_id=?`
		args = append(args, certificationID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CertificationID, &e.EntityKind, &e.EntityID, &e.ActorName, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountEvents(ctx context.Context, evtType, entityID string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE type=? AND entity_id=?`, evtType, entityID)
	var n int
	err := row.Scan(&n)
	return n, err
}

////////////////////////////////////////////////////////////////////////////
// helpers
////////////////////////////////////////////////////////////////////////////

func marshalChallenge(ch *domain.Challenge) (any, error) {
	if ch == nil {
		return nil, nil
	}
	b, err := json.Marshal(ch)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalChallenge(data string) (*domain.Challenge, error) {
	if data == "" {
		return nil, nil
	}
	var ch domain.Challenge
	if err := json.Unmarshal([]byte(data), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
