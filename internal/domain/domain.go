package domain

import "regexp"

// ActionKind is the closed set of interaction types that can be requested.
type ActionKind string

const (
	ActionLike       ActionKind = "like"
	ActionFollow     ActionKind = "follow"
	ActionComment    ActionKind = "comment"
	ActionStoryShare ActionKind = "story_share"
	ActionReelView   ActionKind = "reel_view"
	ActionSave       ActionKind = "save"
	ActionChatSend   ActionKind = "chat_send"
)

// ActionKinds returns every supported kind in display order.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionLike, ActionFollow, ActionComment, ActionStoryShare,
		ActionReelView, ActionSave, ActionChatSend,
	}
}

func (k ActionKind) Valid() bool {
	switch k {
	case ActionLike, ActionFollow, ActionComment, ActionStoryShare,
		ActionReelView, ActionSave, ActionChatSend:
		return true
	}
	return false
}

// ProfileSlot identifies which of a participant's registered handles is
// credited for a completion. Secondary slots earn at a reduced rate.
type ProfileSlot string

const (
	SlotPrimary    ProfileSlot = "primary"
	SlotSecondary1 ProfileSlot = "secondary_1"
	SlotSecondary2 ProfileSlot = "secondary_2"
)

func (s ProfileSlot) Valid() bool {
	switch s {
	case SlotPrimary, SlotSecondary1, SlotSecondary2:
		return true
	}
	return false
}

// Account is a participant's ledger record. Created on first contact,
// never deleted. Balance is an integer number of coins.
type Account struct {
	ID                 int64  `json:"id"`
	Handle             string `json:"handle,omitempty"`
	Balance            int64  `json:"balance"`
	Secondary1         string `json:"secondary_1,omitempty"`
	Secondary2         string `json:"secondary_2,omitempty"`
	Secondary1Verified bool   `json:"secondary_1_verified"`
	Secondary2Verified bool   `json:"secondary_2_verified"`
	CreatedAt          string `json:"created_at" format:"date-time"`
	LastActive         string `json:"last_active" format:"date-time"`
}

// HandleFor returns the handle registered in the given slot.
func (a Account) HandleFor(slot ProfileSlot) string {
	switch slot {
	case SlotSecondary1:
		return a.Secondary1
	case SlotSecondary2:
		return a.Secondary2
	default:
		return a.Handle
	}
}

const (
	RequestActive = "active"
	RequestClosed = "closed"
)

// InteractionRequest is a standing offer to pay coins for a bounded number
// of completions of one action on one link. The total cost is reserved from
// the owner's balance when the request is created.
type InteractionRequest struct {
	ID             int64      `json:"id"`
	OwnerID        int64      `json:"owner_id"`
	Link           string     `json:"link"`
	Action         ActionKind `json:"action"`
	Quantity       int64      `json:"quantity"`
	PricePerUnit   int64      `json:"price_per_unit"`
	TotalCost      int64      `json:"total_cost"`
	CompletedCount int64      `json:"completed_count"`
	Status         string     `json:"status" enum:"active,closed"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
}

// Remaining reports how many completion slots are still open.
func (r InteractionRequest) Remaining() int64 {
	if n := r.Quantity - r.CompletedCount; n > 0 {
		return n
	}
	return 0
}

// Completion records one participant's fulfillment of one unit of one
// request. At most one Completion exists per (account, request) pair.
type Completion struct {
	ID          int64       `json:"id"`
	AccountID   int64       `json:"account_id"`
	RequestID   int64       `json:"request_id"`
	Earnings    int64       `json:"earnings"`
	Slot        ProfileSlot `json:"slot"`
	ProofID     string      `json:"proof_id,omitempty"`
	CompletedAt string      `json:"completed_at" format:"date-time"`
}

// ProofArtifact is an uploaded evidence reference for higher-value actions.
// Written once, read by a manual verification step, never mutated.
type ProofArtifact struct {
	ID         string `json:"id"`
	AccountID  int64  `json:"account_id"`
	RequestID  int64  `json:"request_id"`
	Location   string `json:"location"`
	UploadedAt string `json:"uploaded_at" format:"date-time"`
}

// SupportTicket is a free-form request for human attention.
type SupportTicket struct {
	ID        string `json:"id"`
	AccountID int64  `json:"account_id"`
	Message   string `json:"message"`
	Status    string `json:"status" enum:"open,closed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PurchaseIntake is a coin purchase request recorded for manual fulfillment.
// It never touches balances by itself.
type PurchaseIntake struct {
	ID        string  `json:"id"`
	AccountID int64   `json:"account_id"`
	Name      string  `json:"name"`
	Phone     string  `json:"phone"`
	Coins     int64   `json:"coins"`
	PriceEUR  float64 `json:"price_eur"`
	Status    string  `json:"status" enum:"pending,fulfilled,rejected"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// RankingEntry is a derived per-period aggregate of completion earnings.
// Not authoritative; always recomputable from Completion rows.
type RankingEntry struct {
	Position    int    `json:"position"`
	AccountID   int64  `json:"account_id"`
	Handle      string `json:"handle,omitempty"`
	Points      int64  `json:"points"`
	Period      string `json:"period"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// Candidate is an open request offered to a participant, annotated with
// what completing it would earn at the primary-profile rate.
type Candidate struct {
	Request     InteractionRequest `json:"request"`
	OwnerHandle string             `json:"owner_handle,omitempty"`
	Earnings    int64              `json:"earnings"`
	Remaining   int64              `json:"remaining"`
}

// Event is one entry of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates an admin caller of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

var postLinkRe = regexp.MustCompile(`^https?://(www\.)?(instagram\.com|instagr\.am)/(p|reel|tv)/[A-Za-z0-9_-]+/?$`)

// ValidPostLink reports whether s looks like a post, reel or IGTV permalink.
func ValidPostLink(s string) bool {
	return postLinkRe.MatchString(s)
}
