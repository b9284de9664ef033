package server

import (
	"github.com/crescitadigitale/Bot/internal/domain"
	"github.com/crescitadigitale/Bot/internal/repo"
	"github.com/crescitadigitale/Bot/internal/session"
)

type AccountResponse struct {
	Account domain.Account `json:"account"`
}

type CreateAccountRequest struct {
	ID int64 `json:"id" minimum:"1" doc:"Stable external participant id"`
}

type SetHandleRequest struct {
	Handle string `json:"handle" doc:"Handle without the leading @"`
}

type AdjustBalanceRequest struct {
	Delta int64 `json:"delta" doc:"Coins to add; negative removes"`
}

type CreateRequestRequest struct {
	OwnerID      int64  `json:"owner_id" minimum:"1"`
	Link         string `json:"link"`
	Action       string `json:"action" enum:"like,follow,comment,story_share,reel_view,save,chat_send"`
	Quantity     int64  `json:"quantity" minimum:"1"`
	PricePerUnit int64  `json:"price_per_unit,omitempty" doc:"Defaults to the configured action cost"`
}

type RequestResponse struct {
	Request domain.InteractionRequest `json:"request"`
}

type RequestListResponse struct {
	Requests []domain.InteractionRequest `json:"requests"`
}

type CandidateListResponse struct {
	Candidates []domain.Candidate `json:"candidates"`
}

type RecordCompletionRequest struct {
	AccountID int64  `json:"account_id" minimum:"1"`
	RequestID int64  `json:"request_id" minimum:"1"`
	Slot      string `json:"slot,omitempty" enum:"primary,secondary_1,secondary_2"`
	ProofID   string `json:"proof_id,omitempty"`
}

type CompletionResponse struct {
	Completion domain.Completion `json:"completion"`
}

type StartSessionRequest struct {
	Flow      string `json:"flow" enum:"new_request,purchase,proof"`
	RequestID int64  `json:"request_id,omitempty" doc:"Target request, proof flow only"`
	Slot      string `json:"slot,omitempty" enum:"primary,secondary_1,secondary_2"`
}

type SessionInputRequest struct {
	Text     string `json:"text,omitempty"`
	ImageRef string `json:"image_ref,omitempty" doc:"Transport reference to an uploaded photo"`
}

type SessionReply struct {
	Flow       string                     `json:"flow"`
	State      string                     `json:"state,omitempty"`
	Prompt     string                     `json:"prompt,omitempty"`
	Done       bool                       `json:"done"`
	Request    *domain.InteractionRequest `json:"request,omitempty"`
	Purchase   *domain.PurchaseIntake     `json:"purchase,omitempty"`
	Completion *domain.Completion         `json:"completion,omitempty"`
}

func toSessionReply(r session.Reply) SessionReply {
	return SessionReply{
		Flow:       string(r.Kind),
		State:      string(r.State),
		Prompt:     r.Prompt,
		Done:       r.Done,
		Request:    r.Request,
		Purchase:   r.Intake,
		Completion: r.Filled,
	}
}

type ProofResponse struct {
	Proof domain.ProofArtifact `json:"proof"`
}

type CreateTicketRequest struct {
	AccountID int64  `json:"account_id" minimum:"1"`
	Message   string `json:"message"`
}

type TicketResponse struct {
	Ticket domain.SupportTicket `json:"ticket"`
}

type TicketListResponse struct {
	Tickets []domain.SupportTicket `json:"tickets"`
}

type PurchaseListResponse struct {
	Purchases []domain.PurchaseIntake `json:"purchases"`
}

type RankingResponse struct {
	Entries []domain.RankingEntry `json:"entries"`
}

type StatsResponse struct {
	Stats repo.Stats `json:"stats"`
}
