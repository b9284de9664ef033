package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/crescitadigitale/Bot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a sqlite UNIQUE constraint
// failure. Used as the exactly-once backstop on completions.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const accountCols = `id, COALESCE(handle,''), balance, COALESCE(secondary_1,''), COALESCE(secondary_2,''), secondary_1_verified, secondary_2_verified, created_at, last_active`

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.Handle, &a.Balance, &a.Secondary1, &a.Secondary2,
		&a.Secondary1Verified, &a.Secondary2Verified, &a.CreatedAt, &a.LastActive)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAccountTx(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,handle,balance,secondary_1,secondary_2,secondary_1_verified,secondary_2_verified,created_at,last_active) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, nullable(a.Handle), a.Balance, nullable(a.Secondary1), nullable(a.Secondary2),
		a.Secondary1Verified, a.Secondary2Verified, a.CreatedAt, a.LastActive)
	return err
}

func (r Repo) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Account, error) {
	return scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
}

// AdjustBalanceTx adds delta to the balance and touches last_active. No sign
// checking here; callers verify sufficiency inside the same transaction.
func (r Repo) AdjustBalanceTx(ctx context.Context, tx *sql.Tx, id, delta int64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance + ?, last_active = ? WHERE id=?`, delta, now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetHandle writes the handle into the given slot. Secondary slots reset to
// unverified whenever the handle changes.
func (r Repo) SetHandle(ctx context.Context, id int64, slot domain.ProfileSlot, handle, now string) error {
	var query string
	switch slot {
	case domain.SlotSecondary1:
		query = `UPDATE accounts SET secondary_1 = ?, secondary_1_verified = 0, last_active = ? WHERE id=?`
	case domain.SlotSecondary2:
		query = `UPDATE accounts SET secondary_2 = ?, secondary_2_verified = 0, last_active = ? WHERE id=?`
	default:
		query = `UPDATE accounts SET handle = ?, last_active = ? WHERE id=?`
	}
	res, err := r.DB.ExecContext(ctx, query, handle, now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// VerifyHandle flips the verified flag of a secondary slot.
func (r Repo) VerifyHandle(ctx context.Context, id int64, slot domain.ProfileSlot) error {
	var query string
	switch slot {
	case domain.SlotSecondary1:
		query = `UPDATE accounts SET secondary_1_verified = 1 WHERE id=? AND secondary_1 IS NOT NULL`
	case domain.SlotSecondary2:
		query = `UPDATE accounts SET secondary_2_verified = 1 WHERE id=? AND secondary_2 IS NOT NULL`
	default:
		return errors.New("primary handle needs no verification")
	}
	res, err := r.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const requestCols = `id, owner_id, link, action, quantity, price_per_unit, total_cost, completed_count, status, created_at`

func scanRequest(row *sql.Row) (domain.InteractionRequest, error) {
	var req domain.InteractionRequest
	err := row.Scan(&req.ID, &req.OwnerID, &req.Link, &req.Action, &req.Quantity,
		&req.PricePerUnit, &req.TotalCost, &req.CompletedCount, &req.Status, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.InteractionRequest) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO requests(owner_id,link,action,quantity,price_per_unit,total_cost,completed_count,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		req.OwnerID, req.Link, req.Action, req.Quantity, req.PricePerUnit, req.TotalCost,
		req.CompletedCount, req.Status, req.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetRequest(ctx context.Context, id int64) (domain.InteractionRequest, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=?`, id))
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id int64) (domain.InteractionRequest, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=?`, id))
}

// ListOpen returns a random sample of requests that are active, not full,
// not owned by the caller, and not already completed by the caller. Random
// order spreads load across open requests.
func (r Repo) ListOpen(ctx context.Context, excludingOwnerID int64, limit int) ([]domain.InteractionRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+requestCols+` FROM requests r
		WHERE r.owner_id != ?
		  AND r.status = 'active'
		  AND r.completed_count < r.quantity
		  AND NOT EXISTS (SELECT 1 FROM completions c WHERE c.request_id = r.id AND c.account_id = ?)
		ORDER BY RANDOM()
		LIMIT ?`, excludingOwnerID, excludingOwnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListOpenCandidates is ListOpen joined with the owner's primary handle,
// for presenting offers. Earnings and remaining slots are filled by the
// caller.
func (r Repo) ListOpenCandidates(ctx context.Context, excludingOwnerID int64, limit int) ([]domain.Candidate, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT r.id, r.owner_id, r.link, r.action, r.quantity, r.price_per_unit, r.total_cost, r.completed_count, r.status, r.created_at, COALESCE(a.handle,'')
		FROM requests r JOIN accounts a ON r.owner_id = a.id
		WHERE r.owner_id != ?
		  AND r.status = 'active'
		  AND r.completed_count < r.quantity
		  AND NOT EXISTS (SELECT 1 FROM completions c WHERE c.request_id = r.id AND c.account_id = ?)
		ORDER BY RANDOM()
		LIMIT ?`, excludingOwnerID, excludingOwnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Candidate
	for rows.Next() {
		var c domain.Candidate
		req := &c.Request
		if err := rows.Scan(&req.ID, &req.OwnerID, &req.Link, &req.Action, &req.Quantity,
			&req.PricePerUnit, &req.TotalCost, &req.CompletedCount, &req.Status, &req.CreatedAt, &c.OwnerHandle); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListActive returns active requests newest first, for the admin view.
func (r Repo) ListActive(ctx context.Context, limit int) ([]domain.InteractionRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestCols+` FROM requests WHERE status='active' ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func collectRequests(rows *sql.Rows) ([]domain.InteractionRequest, error) {
	var res []domain.InteractionRequest
	for rows.Next() {
		var req domain.InteractionRequest
		if err := rows.Scan(&req.ID, &req.OwnerID, &req.Link, &req.Action, &req.Quantity,
			&req.PricePerUnit, &req.TotalCost, &req.CompletedCount, &req.Status, &req.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) IncrementCompletedTx(ctx context.Context, tx *sql.Tx, requestID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE requests SET completed_count = completed_count + 1 WHERE id=?`, requestID)
	return err
}

// CloseIfFullTx transitions a request to closed once its quota is reached.
// Idempotent.
func (r Repo) CloseIfFullTx(ctx context.Context, tx *sql.Tx, requestID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE requests SET status='closed' WHERE id=? AND completed_count >= quantity`, requestID)
	return err
}

const completionCols = `id, account_id, request_id, earnings, slot, COALESCE(proof_id,''), completed_at`

func (r Repo) InsertCompletionTx(ctx context.Context, tx *sql.Tx, c domain.Completion) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO completions(account_id,request_id,earnings,slot,proof_id,completed_at) VALUES (?,?,?,?,?,?)`,
		c.AccountID, c.RequestID, c.Earnings, c.Slot, nullable(c.ProofID), c.CompletedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) HasCompletionTx(ctx context.Context, tx *sql.Tx, accountID, requestID int64) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM completions WHERE account_id=? AND request_id=?`, accountID, requestID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) GetCompletion(ctx context.Context, accountID, requestID int64) (domain.Completion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+completionCols+` FROM completions WHERE account_id=? AND request_id=?`, accountID, requestID)
	var c domain.Completion
	err := row.Scan(&c.ID, &c.AccountID, &c.RequestID, &c.Earnings, &c.Slot, &c.ProofID, &c.CompletedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) CountCompletions(ctx context.Context, requestID int64) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM completions WHERE request_id=?`, requestID).Scan(&n)
	return n, err
}

func (r Repo) InsertProofTx(ctx context.Context, tx *sql.Tx, p domain.ProofArtifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proofs(id,account_id,request_id,location,uploaded_at) VALUES (?,?,?,?,?)`,
		p.ID, p.AccountID, p.RequestID, p.Location, p.UploadedAt)
	return err
}

func (r Repo) GetProof(ctx context.Context, id string) (domain.ProofArtifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, account_id, request_id, location, uploaded_at FROM proofs WHERE id=?`, id)
	var p domain.ProofArtifact
	err := row.Scan(&p.ID, &p.AccountID, &p.RequestID, &p.Location, &p.UploadedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// LatestEvents returns the newest audit entries, optionally filtered by
// type, entity kind, and entity id. Empty filters match everything.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), COALESCE(actor_id,''), payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.EntityKind, &ev.EntityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
