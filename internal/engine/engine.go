package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crescitadigitale/Bot/internal/config"
	"github.com/crescitadigitale/Bot/internal/domain"
	"github.com/crescitadigitale/Bot/internal/events"
	"github.com/crescitadigitale/Bot/internal/repo"
)

var (
	ErrAccountExists       = errors.New("account already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyCompleted    = errors.New("already completed")
	ErrRequestClosed       = errors.New("request closed")
	ErrProofRequired       = errors.New("proof required")
	ErrStoreContention     = errors.New("store contention")
)

// Engine holds the exchange ledger: account balances, interaction requests,
// and completion records. Every mutation runs inside a single database
// transaction so that balance effects and their records commit together.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

const txAttempts = 3

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// inTx runs fn inside a transaction, retrying the whole unit from the top
// on transient sqlite contention before surfacing ErrStoreContention.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var last error
	for attempt := 0; attempt < txAttempts; attempt++ {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isBusy(err) {
				last = err
				time.Sleep(time.Duration(attempt+1) * 25 * time.Millisecond)
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				last = err
				time.Sleep(time.Duration(attempt+1) * 25 * time.Millisecond)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreContention, last)
}

// earnings applies the slot rate to a per-unit price, rounding down.
func (e Engine) earnings(price int64, slot domain.ProfileSlot) int64 {
	return int64(float64(price) * e.Config.Rate(string(slot)))
}

// GetAccount returns an account by participant id.
func (e Engine) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	return e.Repo.GetAccount(ctx, id)
}

// CreateAccount registers a participant with the starting coin grant.
func (e Engine) CreateAccount(ctx context.Context, id int64) (domain.Account, error) {
	var acct domain.Account
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetAccountTx(ctx, tx, id); err == nil {
			return ErrAccountExists
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		acct = domain.Account{
			ID:         id,
			Balance:    e.Config.Economy.StartingGrant,
			CreatedAt:  now,
			LastActive: now,
		}
		if err := e.Repo.InsertAccountTx(ctx, tx, acct); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		return e.Events.Append(ctx, tx, now, "account.created", "account", fmt.Sprint(id), fmt.Sprint(id),
			events.EventPayload{"grant": acct.Balance})
	})
	return acct, err
}

// EnsureAccount creates the account on first contact, returning the existing
// one otherwise.
func (e Engine) EnsureAccount(ctx context.Context, id int64) (domain.Account, error) {
	acct, err := e.Repo.GetAccount(ctx, id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return acct, err
	}
	acct, err = e.CreateAccount(ctx, id)
	if errors.Is(err, ErrAccountExists) {
		return e.Repo.GetAccount(ctx, id)
	}
	return acct, err
}

// AdjustBalance atomically adds delta (may be negative) to the balance and
// touches last_active. It performs no sign checking; operations that debit
// verify sufficiency inside their own transaction instead.
func (e Engine) AdjustBalance(ctx context.Context, id, delta int64, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.AdjustBalanceTx(ctx, tx, id, delta, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, now, "balance.adjusted", "account", fmt.Sprint(id), actorID,
			events.EventPayload{"delta": delta})
	})
}

// SetHandle registers a handle in one of the three profile slots. Secondary
// slots start unverified.
func (e Engine) SetHandle(ctx context.Context, id int64, slot domain.ProfileSlot, handle string) error {
	if !slot.Valid() {
		return fmt.Errorf("unknown profile slot %q", slot)
	}
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return errors.New("handle is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.SetHandle(ctx, id, slot, handle, now)
}

// VerifyHandle marks a secondary slot as verified. Manual admin decision.
func (e Engine) VerifyHandle(ctx context.Context, id int64, slot domain.ProfileSlot) error {
	return e.Repo.VerifyHandle(ctx, id, slot)
}

// RequestCreateOptions are parameters for registering an interaction request.
type RequestCreateOptions struct {
	OwnerID      int64
	Link         string
	Action       domain.ActionKind
	Quantity     int64
	PricePerUnit int64 // 0 means the configured cost for the action
	ActorID      string
}

// CreateRequest reserves quantity*pricePerUnit from the owner's balance and
// registers an active request, as one atomic unit. Fails without side
// effects when the balance check fails.
func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (domain.InteractionRequest, error) {
	if !opts.Action.Valid() {
		return domain.InteractionRequest{}, fmt.Errorf("unknown action kind %q", opts.Action)
	}
	if !domain.ValidPostLink(opts.Link) {
		return domain.InteractionRequest{}, fmt.Errorf("invalid post link %q", opts.Link)
	}
	if opts.Quantity <= 0 {
		return domain.InteractionRequest{}, errors.New("quantity must be positive")
	}
	price := opts.PricePerUnit
	if price == 0 {
		cost, ok := e.Config.ActionCost(string(opts.Action))
		if !ok {
			return domain.InteractionRequest{}, fmt.Errorf("no configured cost for action %q", opts.Action)
		}
		price = cost
	}
	if price <= 0 {
		return domain.InteractionRequest{}, errors.New("price per unit must be positive")
	}

	var req domain.InteractionRequest
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := e.Repo.GetAccountTx(ctx, tx, opts.OwnerID)
		if err != nil {
			return err
		}
		total := opts.Quantity * price
		if acct.Balance < total {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, acct.Balance, total)
		}
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.AdjustBalanceTx(ctx, tx, opts.OwnerID, -total, now); err != nil {
			return err
		}
		req = domain.InteractionRequest{
			OwnerID:      opts.OwnerID,
			Link:         opts.Link,
			Action:       opts.Action,
			Quantity:     opts.Quantity,
			PricePerUnit: price,
			TotalCost:    total,
			Status:       domain.RequestActive,
			CreatedAt:    now,
		}
		id, err := e.Repo.InsertRequestTx(ctx, tx, req)
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		req.ID = id
		return e.Events.Append(ctx, tx, now, "request.created", "request", fmt.Sprint(id), opts.ActorID,
			events.EventPayload{"owner": opts.OwnerID, "action": opts.Action, "quantity": opts.Quantity, "total": total})
	})
	return req, err
}

// GetRequest returns a request by id.
func (e Engine) GetRequest(ctx context.Context, id int64) (domain.InteractionRequest, error) {
	return e.Repo.GetRequest(ctx, id)
}

const defaultOpenLimit = 10

// ListOpenRequests returns a random sample of open requests not owned by and
// not yet completed by the given participant.
func (e Engine) ListOpenRequests(ctx context.Context, excludingOwnerID int64, limit int) ([]domain.InteractionRequest, error) {
	if limit <= 0 {
		limit = defaultOpenLimit
	}
	return e.Repo.ListOpen(ctx, excludingOwnerID, limit)
}

// ListActiveRequests is the admin view of active requests, newest first.
func (e Engine) ListActiveRequests(ctx context.Context, limit int) ([]domain.InteractionRequest, error) {
	if limit <= 0 {
		limit = defaultOpenLimit
	}
	return e.Repo.ListActive(ctx, limit)
}

// Candidates formats open requests as offers for a participant: each carries
// the earnings a completion would pay at the primary-profile rate and the
// remaining slots.
func (e Engine) Candidates(ctx context.Context, accountID int64, limit int) ([]domain.Candidate, error) {
	if limit <= 0 {
		limit = defaultOpenLimit
	}
	cands, err := e.Repo.ListOpenCandidates(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	for i := range cands {
		cands[i].Earnings = e.earnings(cands[i].Request.PricePerUnit, domain.SlotPrimary)
		cands[i].Remaining = cands[i].Request.Remaining()
	}
	return cands, nil
}

// CompletionOptions are parameters for recording a completion.
type CompletionOptions struct {
	AccountID int64
	RequestID int64
	Slot      domain.ProfileSlot // empty means primary
	ProofID   string
	ActorID   string
}

// RecordCompletion records one participant's fulfillment of one unit of one
// request, exactly once. Four effects commit together: the completion row,
// the request counter, the earnings credit, and the closed transition when
// the quota is reached. The duplicate check and insert run inside the same
// transaction; the UNIQUE(account_id, request_id) constraint is the backstop
// against concurrent duplicates.
func (e Engine) RecordCompletion(ctx context.Context, opts CompletionOptions) (domain.Completion, error) {
	slot := opts.Slot
	if slot == "" {
		slot = domain.SlotPrimary
	}
	if !slot.Valid() {
		return domain.Completion{}, fmt.Errorf("unknown profile slot %q", opts.Slot)
	}

	var comp domain.Completion
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		req, err := e.Repo.GetRequestTx(ctx, tx, opts.RequestID)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestActive || req.CompletedCount >= req.Quantity {
			return fmt.Errorf("%w: request %d", ErrRequestClosed, req.ID)
		}
		acct, err := e.Repo.GetAccountTx(ctx, tx, opts.AccountID)
		if err != nil {
			return err
		}
		if req.PricePerUnit >= e.Config.Economy.ProofThreshold && opts.ProofID == "" {
			return fmt.Errorf("%w: action priced at %d", ErrProofRequired, req.PricePerUnit)
		}
		done, err := e.Repo.HasCompletionTx(ctx, tx, opts.AccountID, opts.RequestID)
		if err != nil {
			return err
		}
		if done {
			return ErrAlreadyCompleted
		}
		now := e.now().UTC().Format(time.RFC3339)
		comp = domain.Completion{
			AccountID:   opts.AccountID,
			RequestID:   opts.RequestID,
			Earnings:    e.earnings(req.PricePerUnit, slot),
			Slot:        slot,
			ProofID:     opts.ProofID,
			CompletedAt: now,
		}
		id, err := e.Repo.InsertCompletionTx(ctx, tx, comp)
		if err != nil {
			if repo.IsUniqueViolation(err) {
				return ErrAlreadyCompleted
			}
			return fmt.Errorf("insert completion: %w", err)
		}
		comp.ID = id
		if err := e.Repo.IncrementCompletedTx(ctx, tx, opts.RequestID); err != nil {
			return err
		}
		if err := e.Repo.AdjustBalanceTx(ctx, tx, opts.AccountID, comp.Earnings, now); err != nil {
			return err
		}
		if err := e.Repo.CloseIfFullTx(ctx, tx, opts.RequestID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, now, "completion.recorded", "completion", fmt.Sprint(id), opts.ActorID,
			events.EventPayload{"account": opts.AccountID, "request": opts.RequestID, "earnings": comp.Earnings,
				"slot": slot, "handle": acct.HandleFor(slot)})
	})
	return comp, err
}

// SaveProof stores an uploaded evidence reference for a request. The id is
// derived from account, request and upload time so it is globally unique and
// traceable without a lookup.
func (e Engine) SaveProof(ctx context.Context, accountID, requestID int64, location string) (domain.ProofArtifact, error) {
	if location == "" {
		return domain.ProofArtifact{}, errors.New("location is required")
	}
	if _, err := e.Repo.GetRequest(ctx, requestID); err != nil {
		return domain.ProofArtifact{}, err
	}
	now := e.now().UTC()
	proof := domain.ProofArtifact{
		ID:         fmt.Sprintf("%d_%d_%s", accountID, requestID, now.Format("20060102_150405")),
		AccountID:  accountID,
		RequestID:  requestID,
		Location:   location,
		UploadedAt: now.Format(time.RFC3339),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProofTx(ctx, tx, proof); err != nil {
			return fmt.Errorf("insert proof: %w", err)
		}
		return e.Events.Append(ctx, tx, proof.UploadedAt, "proof.stored", "proof", proof.ID, fmt.Sprint(accountID),
			events.EventPayload{"request": requestID})
	})
	return proof, err
}

// CreateTicket records a free-form support message for human attention.
func (e Engine) CreateTicket(ctx context.Context, accountID int64, message string) (domain.SupportTicket, error) {
	if strings.TrimSpace(message) == "" {
		return domain.SupportTicket{}, errors.New("message is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	ticket := domain.SupportTicket{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("ticket|%d|%s", accountID, now))).String(),
		AccountID: accountID,
		Message:   message,
		Status:    "open",
		CreatedAt: now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTicketTx(ctx, tx, ticket); err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		return e.Events.Append(ctx, tx, now, "ticket.created", "ticket", ticket.ID, fmt.Sprint(accountID), nil)
	})
	return ticket, err
}

// PurchaseOptions are parameters for a coin purchase intake.
type PurchaseOptions struct {
	AccountID int64
	Name      string
	Phone     string
	Coins     int64
}

// CreatePurchase records a coin purchase request for manual fulfillment.
// The price comes from the tiered package table; balances are untouched.
func (e Engine) CreatePurchase(ctx context.Context, opts PurchaseOptions) (domain.PurchaseIntake, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.PurchaseIntake{}, errors.New("name is required")
	}
	if strings.TrimSpace(opts.Phone) == "" {
		return domain.PurchaseIntake{}, errors.New("phone is required")
	}
	if opts.Coins <= 0 {
		return domain.PurchaseIntake{}, errors.New("coin amount must be positive")
	}
	now := e.now().UTC().Format(time.RFC3339)
	intake := domain.PurchaseIntake{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("purchase|%d|%s", opts.AccountID, now))).String(),
		AccountID: opts.AccountID,
		Name:      strings.TrimSpace(opts.Name),
		Phone:     strings.TrimSpace(opts.Phone),
		Coins:     opts.Coins,
		PriceEUR:  e.Config.PurchasePrice(opts.Coins),
		Status:    "pending",
		CreatedAt: now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertPurchaseTx(ctx, tx, intake); err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}
		return e.Events.Append(ctx, tx, now, "purchase.created", "purchase", intake.ID, fmt.Sprint(opts.AccountID),
			events.EventPayload{"coins": opts.Coins, "price_eur": intake.PriceEUR})
	})
	return intake, err
}

// RollupRankings recomputes the derived ranking rows for the scoring window
// containing at. Safe to rerun; the window is rewritten from completions.
func (e Engine) RollupRankings(ctx context.Context, period string, at time.Time) error {
	start, end, err := periodWindow(period, at.UTC())
	if err != nil {
		return err
	}
	return e.Repo.ReplaceRankings(ctx, period,
		start.Format(time.RFC3339), end.Format(time.RFC3339))
}

func periodWindow(period string, at time.Time) (time.Time, time.Time, error) {
	switch period {
	case "weekly":
		day := at.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7 // Monday start
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	case "monthly":
		start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown ranking period %q", period)
	}
}

// TopRankings returns the leaderboard for a period.
func (e Engine) TopRankings(ctx context.Context, period string, n int) ([]domain.RankingEntry, error) {
	if n <= 0 {
		n = e.Config.Rankings.TopCount
	}
	return e.Repo.TopRankings(ctx, period, n)
}

// Stats returns the admin activity snapshot.
func (e Engine) Stats(ctx context.Context) (repo.Stats, error) {
	return e.Repo.GetStats(ctx)
}
