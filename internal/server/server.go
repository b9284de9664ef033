package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/crescitadigitale/Bot/internal/domain"
	"github.com/crescitadigitale/Bot/internal/engine"
	"github.com/crescitadigitale/Bot/internal/repo"
	"github.com/crescitadigitale/Bot/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sessions *session.Manager
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_completed"`
	Message string         `json:"message" example:"already completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the exchange API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewManager(cfg.Engine)
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Crescita Exchange API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAccounts(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerCompletions(group, cfg.Engine)
	registerSessions(group, sessions)
	registerTickets(group, cfg.Engine)
	registerRankings(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("took", time.Since(start)))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInsufficientBalance):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_balance", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyCompleted):
		return newAPIError(http.StatusConflict, "already_completed", err.Error(), nil)
	case errors.Is(err, engine.ErrRequestClosed):
		return newAPIError(http.StatusConflict, "request_closed", err.Error(), nil)
	case errors.Is(err, engine.ErrProofRequired):
		return newAPIError(http.StatusUnprocessableEntity, "proof_required", err.Error(), nil)
	case errors.Is(err, engine.ErrAccountExists):
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrStoreContention):
		return newAPIError(http.StatusServiceUnavailable, "store_contention", err.Error(), nil)
	case errors.Is(err, session.ErrNoFlow):
		return newAPIError(http.StatusNotFound, "no_flow", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "unknown") || strings.Contains(lowered, "must be") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}",
		Summary:     "Get account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		acct, err := e.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse{Account: acct}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Create account with the starting grant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateAccountRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		acct, err := e.CreateAccount(ctx, input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse{Account: acct}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-handle",
		Method:      http.MethodPut,
		Path:        "/accounts/{id}/handles/{slot}",
		Summary:     "Register a handle in a profile slot",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64            `path:"id"`
		Slot string           `path:"slot" enum:"primary,secondary_1,secondary_2"`
		Body SetHandleRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if err := e.SetHandle(ctx, input.ID, domain.ProfileSlot(input.Slot), input.Body.Handle); err != nil {
			return nil, handleError(err)
		}
		acct, err := e.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse{Account: acct}}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Register an interaction request, reserving its cost",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		req, err := e.CreateRequest(ctx, engine.RequestCreateOptions{
			OwnerID:      input.Body.OwnerID,
			Link:         input.Body.Link,
			Action:       domain.ActionKind(input.Body.Action),
			Quantity:     input.Body.Quantity,
			PricePerUnit: input.Body.PricePerUnit,
			ActorID:      actorOrParticipant(ctx, input.Body.OwnerID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: RequestResponse{Request: req}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-open-requests",
		Method:      http.MethodGet,
		Path:        "/requests/open",
		Summary:     "Candidate open requests for a participant",
	}, func(ctx context.Context, input *struct {
		AccountID int64 `query:"account_id" required:"true"`
		Limit     int   `query:"limit"`
	}) (*struct {
		Body CandidateListResponse `json:"body"`
	}, error) {
		cands, err := e.Candidates(ctx, input.AccountID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CandidateListResponse `json:"body"`
		}{Body: CandidateListResponse{Candidates: cands}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		req, err := e.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: RequestResponse{Request: req}}, nil
	})
}

func registerCompletions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-completion",
		Method:        http.MethodPost,
		Path:          "/completions",
		Summary:       "Record a completion exactly once and credit earnings",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body RecordCompletionRequest `json:"body"`
	}) (*struct {
		Body CompletionResponse `json:"body"`
	}, error) {
		comp, err := e.RecordCompletion(ctx, engine.CompletionOptions{
			AccountID: input.Body.AccountID,
			RequestID: input.Body.RequestID,
			Slot:      domain.ProfileSlot(input.Body.Slot),
			ProofID:   input.Body.ProofID,
			ActorID:   actorOrParticipant(ctx, input.Body.AccountID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompletionResponse `json:"body"`
		}{Body: CompletionResponse{Completion: comp}}, nil
	})
}

func registerSessions(api huma.API, m *session.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{participant_id}/start",
		Summary:     "Start a flow, discarding any prior in-flight state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ParticipantID int64               `path:"participant_id"`
		Body          StartSessionRequest `json:"body"`
	}) (*struct {
		Body SessionReply `json:"body"`
	}, error) {
		reply, err := m.Start(ctx, input.ParticipantID, session.FlowKind(input.Body.Flow), session.StartOptions{
			RequestID: input.Body.RequestID,
			Slot:      domain.ProfileSlot(input.Body.Slot),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionReply `json:"body"`
		}{Body: toSessionReply(reply)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-input",
		Method:      http.MethodPost,
		Path:        "/sessions/{participant_id}/input",
		Summary:     "Feed one message into the in-flight flow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ParticipantID int64               `path:"participant_id"`
		Body          SessionInputRequest `json:"body"`
	}) (*struct {
		Body SessionReply `json:"body"`
	}, error) {
		reply, err := m.Input(ctx, input.ParticipantID, session.Input{
			Text:     input.Body.Text,
			ImageRef: input.Body.ImageRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionReply `json:"body"`
		}{Body: toSessionReply(reply)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{participant_id}",
		Summary:     "Cancel any in-flight flow",
	}, func(ctx context.Context, input *struct {
		ParticipantID int64 `path:"participant_id"`
	}) (*struct {
		Body struct {
			Canceled bool `json:"canceled"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Canceled bool `json:"canceled"`
			}
		}{}
		resp.Body.Canceled = m.Cancel(input.ParticipantID)
		return resp, nil
	})
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Open a support ticket",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTicketRequest `json:"body"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		ticket, err := e.CreateTicket(ctx, input.Body.AccountID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketResponse `json:"body"`
		}{Body: TicketResponse{Ticket: ticket}}, nil
	})
}

func registerRankings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "top-rankings",
		Method:      http.MethodGet,
		Path:        "/rankings/{period}",
		Summary:     "Leaderboard for a scoring period",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Period string `path:"period" enum:"weekly,monthly"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body RankingResponse `json:"body"`
	}, error) {
		entries, err := e.TopRankings(ctx, input.Period, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RankingResponse `json:"body"`
		}{Body: RankingResponse{Entries: entries}}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "adjust-balance",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/balance",
		Summary:     "Adjust an account balance (admin)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body AdjustBalanceRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		p, _ := principalFromContext(ctx)
		if err := e.AdjustBalance(ctx, input.ID, input.Body.Delta, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		acct, err := e.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse{Account: acct}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-handle",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/handles/{slot}/verify",
		Summary:     "Mark a secondary handle as verified (admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64  `path:"id"`
		Slot string `path:"slot" enum:"secondary_1,secondary_2"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.VerifyHandle(ctx, input.ID, domain.ProfileSlot(input.Slot)); err != nil {
			return nil, handleError(err)
		}
		acct, err := e.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse{Account: acct}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-active-requests",
		Method:      http.MethodGet,
		Path:        "/requests/active",
		Summary:     "Active requests, newest first (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body RequestListResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		reqs, err := e.ListActiveRequests(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestListResponse `json:"body"`
		}{Body: RequestListResponse{Requests: reqs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-open-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "Open support tickets (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body TicketListResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		tickets, err := e.Repo.ListOpenTickets(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketListResponse `json:"body"`
		}{Body: TicketListResponse{Tickets: tickets}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-purchases",
		Method:      http.MethodGet,
		Path:        "/purchases",
		Summary:     "Pending coin purchase intakes (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body PurchaseListResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		purchases, err := e.Repo.ListPendingPurchases(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PurchaseListResponse `json:"body"`
		}{Body: PurchaseListResponse{Purchases: purchases}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollup-rankings",
		Method:      http.MethodPost,
		Path:        "/rankings/{period}/rollup",
		Summary:     "Recompute the ranking window from completions (admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Period string `path:"period" enum:"weekly,monthly"`
	}) (*struct {
		Body RankingResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.RollupRankings(ctx, input.Period, e.Now()); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.TopRankings(ctx, input.Period, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RankingResponse `json:"body"`
		}{Body: RankingResponse{Entries: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proof",
		Method:      http.MethodGet,
		Path:        "/proofs/{id}",
		Summary:     "Fetch a stored proof artifact (admin)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProofResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		proof, err := e.Repo.GetProof(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProofResponse `json:"body"`
		}{Body: ProofResponse{Proof: proof}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Exchange activity snapshot (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Stats: stats}}, nil
	})
}

// actorOrParticipant attributes a mutation to the authenticated admin when
// present, else to the acting participant.
func actorOrParticipant(ctx context.Context, participantID int64) string {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID
	}
	return strconv.FormatInt(participantID, 10)
}
