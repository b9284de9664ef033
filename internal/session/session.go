// Package session drives the multi-step interactive flows as resumable
// per-participant state machines. Each participant has at most one in-flight
// flow; starting a new one discards any prior state, and flows that reach
// their terminal state clear their accumulated data whether the terminal
// operation succeeds or fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/crescitadigitale/Bot/internal/domain"
	"github.com/crescitadigitale/Bot/internal/engine"
)

// FlowKind tags which flow a session is running.
type FlowKind string

const (
	FlowNewRequest FlowKind = "new_request"
	FlowPurchase   FlowKind = "purchase"
	FlowProof      FlowKind = "proof"
)

func (k FlowKind) Valid() bool {
	switch k {
	case FlowNewRequest, FlowPurchase, FlowProof:
		return true
	}
	return false
}

// State names one step of a flow.
type State string

const (
	StateChooseAction  State = "choose_action"
	StateSupplyLink    State = "supply_link"
	StateSupplyQty     State = "supply_quantity"
	StatePurchaseName  State = "purchase_name"
	StatePurchasePhone State = "purchase_phone"
	StatePurchaseCoins State = "purchase_coins"
	StateAwaitImage    State = "await_image"
)

var ErrNoFlow = errors.New("no flow in progress")

// Input is one participant message fed into the current flow step.
// ImageRef carries the transport's reference to an uploaded photo; text
// steps ignore it and the proof step requires it.
type Input struct {
	Text     string
	ImageRef string
}

// Reply is the state machine's answer to one input: either the prompt for
// the next step (or a re-prompt after invalid input), or a terminal result.
type Reply struct {
	Kind    FlowKind
	State   State
	Prompt  string
	Done    bool
	Request *domain.InteractionRequest
	Intake  *domain.PurchaseIntake
	Filled  *domain.Completion
}

// StartOptions carry flow-specific seed data.
type StartOptions struct {
	// RequestID and Slot target the proof flow's completion.
	RequestID int64
	Slot      domain.ProfileSlot
}

type session struct {
	mu    sync.Mutex
	kind  FlowKind
	state State

	action    domain.ActionKind
	link      string
	name      string
	phone     string
	requestID int64
	slot      domain.ProfileSlot
}

// Manager holds the in-flight flow of each participant. Inputs for the same
// participant serialize on the session's own lock; different participants
// never contend with each other beyond the map lookup.
type Manager struct {
	Engine engine.Engine

	mu       sync.Mutex
	sessions map[int64]*session
}

func NewManager(e engine.Engine) *Manager {
	return &Manager{Engine: e, sessions: make(map[int64]*session)}
}

// Start begins a flow for a participant, discarding any prior in-flight
// state, and returns the first prompt.
func (m *Manager) Start(ctx context.Context, participantID int64, kind FlowKind, opts StartOptions) (Reply, error) {
	if !kind.Valid() {
		return Reply{}, fmt.Errorf("unknown flow kind %q", kind)
	}
	if _, err := m.Engine.EnsureAccount(ctx, participantID); err != nil {
		return Reply{}, err
	}
	s := &session{kind: kind}
	switch kind {
	case FlowNewRequest:
		s.state = StateChooseAction
	case FlowPurchase:
		s.state = StatePurchaseName
	case FlowProof:
		if opts.RequestID == 0 {
			return Reply{}, errors.New("proof flow needs a target request")
		}
		if _, err := m.Engine.GetRequest(ctx, opts.RequestID); err != nil {
			return Reply{}, err
		}
		s.state = StateAwaitImage
		s.requestID = opts.RequestID
		s.slot = opts.Slot
	}
	m.mu.Lock()
	m.sessions[participantID] = s
	m.mu.Unlock()
	return Reply{Kind: kind, State: s.state, Prompt: promptFor(s.state)}, nil
}

// Cancel discards a participant's in-flight flow. Reports whether one
// existed. Always safe; nothing in the store is touched.
func (m *Manager) Cancel(participantID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[participantID]
	delete(m.sessions, participantID)
	return ok
}

// Active returns the flow kind and state of a participant's session, if any.
func (m *Manager) Active(participantID int64) (FlowKind, State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[participantID]
	if !ok {
		return "", "", false
	}
	return s.kind, s.state, true
}

// Input feeds one message into the participant's current flow. Invalid input
// re-prompts the same state without advancing; terminal steps run their
// operation and clear the session regardless of the outcome.
func (m *Manager) Input(ctx context.Context, participantID int64, in Input) (Reply, error) {
	m.mu.Lock()
	s, ok := m.sessions[participantID]
	m.mu.Unlock()
	if !ok {
		return Reply{}, ErrNoFlow
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.kind {
	case FlowNewRequest:
		return m.stepNewRequest(ctx, participantID, s, in)
	case FlowPurchase:
		return m.stepPurchase(ctx, participantID, s, in)
	case FlowProof:
		return m.stepProof(ctx, participantID, s, in)
	}
	return Reply{}, fmt.Errorf("corrupt session kind %q", s.kind)
}

// clear evicts the session if it is still the current one for the
// participant. A flow started concurrently is left alone.
func (m *Manager) clear(participantID int64, s *session) {
	m.mu.Lock()
	if cur, ok := m.sessions[participantID]; ok && cur == s {
		delete(m.sessions, participantID)
	}
	m.mu.Unlock()
}

func (m *Manager) stepNewRequest(ctx context.Context, participantID int64, s *session, in Input) (Reply, error) {
	text := strings.TrimSpace(in.Text)
	switch s.state {
	case StateChooseAction:
		kind := domain.ActionKind(text)
		if !kind.Valid() {
			return reprompt(s, "unknown action kind; choose one of: "+actionList()), nil
		}
		s.action = kind
		s.state = StateSupplyLink
		return advance(s), nil
	case StateSupplyLink:
		if !domain.ValidPostLink(text) {
			return reprompt(s, "that does not look like a post link; send a permalink like https://instagram.com/p/ABC123/"), nil
		}
		s.link = text
		s.state = StateSupplyQty
		return advance(s), nil
	case StateSupplyQty:
		qty, err := strconv.ParseInt(text, 10, 64)
		if err != nil || qty <= 0 {
			return reprompt(s, "send a positive whole number of interactions"), nil
		}
		// Terminal. Insufficient balance ends the flow rather than looping.
		m.clear(participantID, s)
		req, err := m.Engine.CreateRequest(ctx, engine.RequestCreateOptions{
			OwnerID:  participantID,
			Link:     s.link,
			Action:   s.action,
			Quantity: qty,
			ActorID:  fmt.Sprint(participantID),
		})
		if err != nil {
			return Reply{Kind: s.kind, State: s.state, Done: true}, err
		}
		return Reply{Kind: s.kind, State: s.state, Done: true, Request: &req}, nil
	}
	return Reply{}, fmt.Errorf("corrupt state %q for flow %q", s.state, s.kind)
}

func (m *Manager) stepPurchase(ctx context.Context, participantID int64, s *session, in Input) (Reply, error) {
	text := strings.TrimSpace(in.Text)
	switch s.state {
	case StatePurchaseName:
		if text == "" {
			return reprompt(s, "send your full name"), nil
		}
		s.name = text
		s.state = StatePurchasePhone
		return advance(s), nil
	case StatePurchasePhone:
		if text == "" {
			return reprompt(s, "send your phone number"), nil
		}
		s.phone = text
		s.state = StatePurchaseCoins
		return advance(s), nil
	case StatePurchaseCoins:
		coins, err := strconv.ParseInt(text, 10, 64)
		if err != nil || coins <= 0 {
			return reprompt(s, "send a positive whole number of coins"), nil
		}
		m.clear(participantID, s)
		intake, err := m.Engine.CreatePurchase(ctx, engine.PurchaseOptions{
			AccountID: participantID,
			Name:      s.name,
			Phone:     s.phone,
			Coins:     coins,
		})
		if err != nil {
			return Reply{Kind: s.kind, State: s.state, Done: true}, err
		}
		return Reply{Kind: s.kind, State: s.state, Done: true, Intake: &intake}, nil
	}
	return Reply{}, fmt.Errorf("corrupt state %q for flow %q", s.state, s.kind)
}

func (m *Manager) stepProof(ctx context.Context, participantID int64, s *session, in Input) (Reply, error) {
	if s.state != StateAwaitImage {
		return Reply{}, fmt.Errorf("corrupt state %q for flow %q", s.state, s.kind)
	}
	if in.ImageRef == "" {
		return reprompt(s, "send a photo as proof of the completed action"), nil
	}
	m.clear(participantID, s)
	proof, err := m.Engine.SaveProof(ctx, participantID, s.requestID, in.ImageRef)
	if err != nil {
		return Reply{Kind: s.kind, State: s.state, Done: true}, err
	}
	comp, err := m.Engine.RecordCompletion(ctx, engine.CompletionOptions{
		AccountID: participantID,
		RequestID: s.requestID,
		Slot:      s.slot,
		ProofID:   proof.ID,
		ActorID:   fmt.Sprint(participantID),
	})
	if err != nil {
		// The artifact stays stored for manual review even when the
		// completion is rejected.
		return Reply{Kind: s.kind, State: s.state, Done: true}, err
	}
	return Reply{Kind: s.kind, State: s.state, Done: true, Filled: &comp}, nil
}

func reprompt(s *session, msg string) Reply {
	return Reply{Kind: s.kind, State: s.state, Prompt: msg}
}

func advance(s *session) Reply {
	return Reply{Kind: s.kind, State: s.state, Prompt: promptFor(s.state)}
}

func promptFor(state State) string {
	switch state {
	case StateChooseAction:
		return "which interaction do you want to receive? one of: " + actionList()
	case StateSupplyLink:
		return "send the link of your post"
	case StateSupplyQty:
		return "how many interactions do you want?"
	case StatePurchaseName:
		return "step 1/3: send your full name"
	case StatePurchasePhone:
		return "step 2/3: send your phone number"
	case StatePurchaseCoins:
		return "step 3/3: how many coins do you want to buy?"
	case StateAwaitImage:
		return "send a photo as proof of the completed action"
	}
	return ""
}

func actionList() string {
	kinds := domain.ActionKinds()
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
