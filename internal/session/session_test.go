package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crescitadigitale/Bot/internal/config"
	"github.com/crescitadigitale/Bot/internal/db"
	"github.com/crescitadigitale/Bot/internal/domain"
	"github.com/crescitadigitale/Bot/internal/engine"
	"github.com/crescitadigitale/Bot/internal/migrate"
	"github.com/crescitadigitale/Bot/internal/session"
)

const testLink = "https://instagram.com/reel/XyZ_9-a/"

func newTestManager(t *testing.T) (*session.Manager, engine.Engine, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC) }
	return session.NewManager(eng), eng, context.Background()
}

func TestNewRequestFlow(t *testing.T) {
	m, eng, ctx := newTestManager(t)
	reply, err := m.Start(ctx, 1, session.FlowNewRequest, session.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if reply.State != session.StateChooseAction || reply.Prompt == "" {
		t.Fatalf("first reply = %+v", reply)
	}
	// account is created on first contact
	if _, err := eng.GetAccount(ctx, 1); err != nil {
		t.Fatalf("account after start: %v", err)
	}

	reply, err = m.Input(ctx, 1, session.Input{Text: "like"})
	if err != nil || reply.State != session.StateSupplyLink {
		t.Fatalf("after action: %+v, %v", reply, err)
	}
	reply, err = m.Input(ctx, 1, session.Input{Text: testLink})
	if err != nil || reply.State != session.StateSupplyQty {
		t.Fatalf("after link: %+v, %v", reply, err)
	}
	reply, err = m.Input(ctx, 1, session.Input{Text: "3"})
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	if !reply.Done || reply.Request == nil {
		t.Fatalf("terminal reply = %+v", reply)
	}
	if reply.Request.Quantity != 3 || reply.Request.Action != domain.ActionLike {
		t.Fatalf("created request = %+v", reply.Request)
	}
	if _, _, ok := m.Active(1); ok {
		t.Fatal("session survived its terminal step")
	}
	if _, err := m.Input(ctx, 1, session.Input{Text: "3"}); !errors.Is(err, session.ErrNoFlow) {
		t.Fatalf("input after terminal = %v, want ErrNoFlow", err)
	}
}

func TestNewRequestFlowRepromptsInvalidInput(t *testing.T) {
	m, _, ctx := newTestManager(t)
	if _, err := m.Start(ctx, 1, session.FlowNewRequest, session.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	reply, err := m.Input(ctx, 1, session.Input{Text: "wave"})
	if err != nil || reply.State != session.StateChooseAction || reply.Done {
		t.Fatalf("unknown action should re-prompt: %+v, %v", reply, err)
	}
	if _, err := m.Input(ctx, 1, session.Input{Text: "follow"}); err != nil {
		t.Fatal(err)
	}
	reply, err = m.Input(ctx, 1, session.Input{Text: "https://example.com/p/x/"})
	if err != nil || reply.State != session.StateSupplyLink {
		t.Fatalf("bad link should re-prompt: %+v, %v", reply, err)
	}
	if _, err := m.Input(ctx, 1, session.Input{Text: testLink}); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"zero", "-2", "0", "1.5"} {
		reply, err = m.Input(ctx, 1, session.Input{Text: bad})
		if err != nil || reply.State != session.StateSupplyQty || reply.Done {
			t.Fatalf("quantity %q should re-prompt: %+v, %v", bad, reply, err)
		}
	}
	if _, _, ok := m.Active(1); !ok {
		t.Fatal("session lost while re-prompting")
	}
}

func TestNewRequestFlowInsufficientBalanceTerminates(t *testing.T) {
	m, _, ctx := newTestManager(t)
	if _, err := m.Start(ctx, 1, session.FlowNewRequest, session.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Input(ctx, 1, session.Input{Text: "story_share"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Input(ctx, 1, session.Input{Text: testLink}); err != nil {
		t.Fatal(err)
	}
	// 5 shares cost 50 against the starting grant of 10
	reply, err := m.Input(ctx, 1, session.Input{Text: "5"})
	if !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if !reply.Done {
		t.Fatalf("failed terminal must still finish the flow: %+v", reply)
	}
	if _, _, ok := m.Active(1); ok {
		t.Fatal("session survived failed terminal step")
	}
}

func TestPurchaseFlow(t *testing.T) {
	m, eng, ctx := newTestManager(t)
	if _, err := m.Start(ctx, 4, session.FlowPurchase, session.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	reply, err := m.Input(ctx, 4, session.Input{Text: "   "})
	if err != nil || reply.State != session.StatePurchaseName {
		t.Fatalf("blank name should re-prompt: %+v, %v", reply, err)
	}
	if _, err := m.Input(ctx, 4, session.Input{Text: "Mario Rossi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Input(ctx, 4, session.Input{Text: "+39 333 0000000"}); err != nil {
		t.Fatal(err)
	}
	reply, err = m.Input(ctx, 4, session.Input{Text: "500"})
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	if !reply.Done || reply.Intake == nil {
		t.Fatalf("terminal reply = %+v", reply)
	}
	if reply.Intake.PriceEUR != 18.0 {
		t.Fatalf("price = %.2f, want 18.00 for the 500 bracket", reply.Intake.PriceEUR)
	}
	// the intake never credits coins
	a, err := eng.GetAccount(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if a.Balance != 10 {
		t.Fatalf("balance = %d, want the untouched grant", a.Balance)
	}
}

func TestPurchaseOverflowPricing(t *testing.T) {
	m, _, ctx := newTestManager(t)
	if _, err := m.Start(ctx, 4, session.FlowPurchase, session.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Input(ctx, 4, session.Input{Text: "Mario"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Input(ctx, 4, session.Input{Text: "+390000"}); err != nil {
		t.Fatal(err)
	}
	reply, err := m.Input(ctx, 4, session.Input{Text: "2000"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Intake == nil || reply.Intake.PriceEUR != 60.0 {
		t.Fatalf("overflow price = %+v, want 2000*0.03", reply.Intake)
	}
}

func TestProofFlow(t *testing.T) {
	m, eng, ctx := newTestManager(t)
	if _, err := eng.CreateAccount(ctx, 1); err != nil {
		t.Fatal(err)
	}
	req, err := eng.CreateRequest(ctx, engine.RequestCreateOptions{
		OwnerID: 1, Link: testLink, Action: domain.ActionStoryShare, Quantity: 1, ActorID: "1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, 2, session.FlowProof, session.StartOptions{RequestID: req.ID}); err != nil {
		t.Fatalf("start proof: %v", err)
	}
	reply, err := m.Input(ctx, 2, session.Input{Text: "here it is"})
	if err != nil || reply.State != session.StateAwaitImage || reply.Done {
		t.Fatalf("text instead of photo should re-prompt: %+v, %v", reply, err)
	}
	reply, err = m.Input(ctx, 2, session.Input{ImageRef: "uploads/proof.png"})
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	if !reply.Done || reply.Filled == nil {
		t.Fatalf("terminal reply = %+v", reply)
	}
	if reply.Filled.ProofID == "" {
		t.Fatal("completion missing proof reference")
	}
	worker, _ := eng.GetAccount(ctx, 2)
	if worker.Balance != 12 {
		t.Fatalf("worker balance = %d, want grant plus earnings", worker.Balance)
	}
}

func TestProofFlowNeedsTarget(t *testing.T) {
	m, _, ctx := newTestManager(t)
	if _, err := m.Start(ctx, 2, session.FlowProof, session.StartOptions{}); err == nil {
		t.Fatal("expected error without a target request")
	}
	if _, err := m.Start(ctx, 2, session.FlowProof, session.StartOptions{RequestID: 999}); err == nil {
		t.Fatal("expected error for missing request")
	}
}

func TestStartDiscardsPriorFlow(t *testing.T) {
	m, _, ctx := newTestManager(t)
	if _, err := m.Start(ctx, 1, session.FlowNewRequest, session.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Input(ctx, 1, session.Input{Text: "like"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, 1, session.FlowPurchase, session.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	kind, state, ok := m.Active(1)
	if !ok || kind != session.FlowPurchase || state != session.StatePurchaseName {
		t.Fatalf("active = %v/%v/%v, want fresh purchase flow", kind, state, ok)
	}
}

func TestCancel(t *testing.T) {
	m, _, ctx := newTestManager(t)
	if m.Cancel(1) {
		t.Fatal("cancel with no session reported true")
	}
	if _, err := m.Start(ctx, 1, session.FlowNewRequest, session.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if !m.Cancel(1) {
		t.Fatal("cancel with a session reported false")
	}
	if _, err := m.Input(ctx, 1, session.Input{Text: "like"}); !errors.Is(err, session.ErrNoFlow) {
		t.Fatalf("input after cancel = %v, want ErrNoFlow", err)
	}
}

func TestStartRejectsUnknownFlow(t *testing.T) {
	m, _, ctx := newTestManager(t)
	if _, err := m.Start(ctx, 1, session.FlowKind("banter"), session.StartOptions{}); err == nil {
		t.Fatal("expected error for unknown flow kind")
	}
}
