package repo

import (
	"context"
	"database/sql"

	"github.com/crescitadigitale/Bot/internal/domain"
)

func (r Repo) InsertTicketTx(ctx context.Context, tx *sql.Tx, t domain.SupportTicket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tickets(id,account_id,message,status,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.AccountID, t.Message, t.Status, t.CreatedAt)
	return err
}

func (r Repo) ListOpenTickets(ctx context.Context, limit int) ([]domain.SupportTicket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, account_id, message, status, created_at FROM tickets WHERE status='open' ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SupportTicket
	for rows.Next() {
		var t domain.SupportTicket
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Message, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertPurchaseTx(ctx context.Context, tx *sql.Tx, p domain.PurchaseIntake) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO purchases(id,account_id,name,phone,coins,price_eur,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.AccountID, p.Name, p.Phone, p.Coins, p.PriceEUR, p.Status, p.CreatedAt)
	return err
}

func (r Repo) ListPendingPurchases(ctx context.Context, limit int) ([]domain.PurchaseIntake, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, account_id, name, phone, coins, price_eur, status, created_at FROM purchases WHERE status='pending' ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PurchaseIntake
	for rows.Next() {
		var p domain.PurchaseIntake
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &p.Phone, &p.Coins, &p.PriceEUR, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ReplaceRankings rewrites the derived ranking rows for one scoring window
// from the completion records inside it.
func (r Repo) ReplaceRankings(ctx context.Context, period, start, end string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rankings WHERE period=? AND period_start=?`, period, start); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rankings(account_id, points, period, period_start, period_end)
		SELECT account_id, SUM(earnings), ?, ?, ?
		FROM completions
		WHERE completed_at >= ? AND completed_at < ?
		GROUP BY account_id`, period, start, end, start, end); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) TopRankings(ctx context.Context, period string, limit int) ([]domain.RankingEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT r.account_id, COALESCE(a.handle,''), r.points, r.period, r.period_start, r.period_end
		FROM rankings r JOIN accounts a ON r.account_id = a.id
		WHERE r.period = ?
		ORDER BY r.points DESC, r.account_id
		LIMIT ?`, period, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RankingEntry
	for rows.Next() {
		var e domain.RankingEntry
		if err := rows.Scan(&e.AccountID, &e.Handle, &e.Points, &e.Period, &e.PeriodStart, &e.PeriodEnd); err != nil {
			return nil, err
		}
		e.Position = len(res) + 1
		res = append(res, e)
	}
	return res, rows.Err()
}

// Stats is the admin snapshot of exchange activity.
type Stats struct {
	Accounts         int64 `json:"accounts"`
	ActiveRequests   int64 `json:"active_requests"`
	Completions      int64 `json:"completions"`
	OpenTickets      int64 `json:"open_tickets"`
	PendingPurchases int64 `json:"pending_purchases"`
	CoinsInFlight    int64 `json:"coins_in_flight"`
	Proofs           int64 `json:"proofs"`
}

func (r Repo) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	queries := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM accounts`, &s.Accounts},
		{`SELECT COUNT(*) FROM requests WHERE status='active'`, &s.ActiveRequests},
		{`SELECT COUNT(*) FROM completions`, &s.Completions},
		{`SELECT COUNT(*) FROM tickets WHERE status='open'`, &s.OpenTickets},
		{`SELECT COUNT(*) FROM purchases WHERE status='pending'`, &s.PendingPurchases},
		{`SELECT COALESCE(SUM(balance),0) FROM accounts`, &s.CoinsInFlight},
		{`SELECT COUNT(*) FROM proofs`, &s.Proofs},
	}
	for _, q := range queries {
		if err := r.DB.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return s, err
		}
	}
	return s, nil
}
