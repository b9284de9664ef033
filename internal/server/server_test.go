package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crescitadigitale/Bot/internal/config"
	"github.com/crescitadigitale/Bot/internal/db"
	"github.com/crescitadigitale/Bot/internal/domain"
	"github.com/crescitadigitale/Bot/internal/engine"
	"github.com/crescitadigitale/Bot/internal/migrate"
	"github.com/crescitadigitale/Bot/internal/repo"
)

const (
	testSecret = "test-secret"
	testAPIKey = "raw-admin-key"
	testLink   = "https://www.instagram.com/p/Abc123/"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC) }
	if err := e.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "ops",
		KeyHash:   repo.HashAPIKey(testAPIKey),
		CreatedAt: "2024-01-08T12:00:00Z",
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func adminHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAPIKey}
}

func TestAccountLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", map[string]any{"id": 100}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var created AccountResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Account.Balance != 10 {
		t.Fatalf("balance = %d, want the starting grant", created.Account.Balance)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", map[string]any{"id": 100}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "already_exists" {
		t.Fatalf("error code = %q, want already_exists", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/accounts/100/handles/primary", map[string]any{"handle": "@alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set handle status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/100", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, data)
	}
	var got AccountResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Account.Handle != "alice" {
		t.Fatalf("handle = %q, want alice", got.Account.Handle)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing account status %d: %s", res.StatusCode, data)
	}
}

func TestRequestAndCompletionRoundtrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, id := range []int{1, 2} {
		if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", map[string]any{"id": id}, nil); res.StatusCode != http.StatusCreated {
			t.Fatalf("create account %d: %d %s", id, res.StatusCode, data)
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"owner_id": 1, "link": testLink, "action": "like", "quantity": 2,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request status %d: %s", res.StatusCode, data)
	}
	var reqResp RequestResponse
	if err := json.Unmarshal(data, &reqResp); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/open?account_id=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("candidates status %d: %s", res.StatusCode, data)
	}
	var cands CandidateListResponse
	if err := json.Unmarshal(data, &cands); err != nil {
		t.Fatal(err)
	}
	if len(cands.Candidates) != 1 || cands.Candidates[0].Request.ID != reqResp.Request.ID {
		t.Fatalf("candidates = %+v", cands.Candidates)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/completions", map[string]any{
		"account_id": 2, "request_id": reqResp.Request.ID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("completion status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/completions", map[string]any{
		"account_id": 2, "request_id": reqResp.Request.ID,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate completion status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "already_completed" {
		t.Fatalf("error code = %q, want already_completed", envelope.Error.Code)
	}
}

func TestRequestValidationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", map[string]any{"id": 1}, nil); res.StatusCode != http.StatusCreated {
		t.Fatalf("create account: %d %s", res.StatusCode, data)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"owner_id": 1, "link": "https://example.com/post/1", "action": "like", "quantity": 1,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad link status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"owner_id": 1, "link": testLink, "action": "story_share", "quantity": 5,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("insufficient balance status %d: %s", res.StatusCode, data)
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/7/start", map[string]any{"flow": "new_request"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, data)
	}
	var reply SessionReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.State != "choose_action" || reply.Prompt == "" {
		t.Fatalf("start reply = %+v", reply)
	}

	steps := []string{"like", testLink, "2"}
	for _, text := range steps {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/7/input", map[string]any{"text": text}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("input %q status %d: %s", text, res.StatusCode, data)
		}
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.Done || reply.Request == nil || reply.Request.Quantity != 2 {
		t.Fatalf("terminal reply = %+v", reply)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/7/input", map[string]any{"text": "hi"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("input without flow status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/7/start", map[string]any{"flow": "purchase"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("restart status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/sessions/7", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, data)
	}
	var cancel struct {
		Canceled bool `json:"canceled"`
	}
	if err := json.Unmarshal(data, &cancel); err != nil {
		t.Fatal(err)
	}
	if !cancel.Canceled {
		t.Fatal("cancel reported no session")
	}
}

func TestAdminEndpointsRequireCredential(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unauthenticated stats status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, adminHeader())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key stats status %d: %s", res.StatusCode, data)
	}

	// admin JWT works too
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-jwt"},
		Roles:            []string{"admin"},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt stats status %d: %s", res.StatusCode, data)
	}

	// a non-admin JWT authenticates but stays forbidden
	token = jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "viewer"},
	})
	signed, err = token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin jwt status %d: %s", res.StatusCode, data)
	}
}

func TestAdminBalanceAdjustAndStats(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", map[string]any{"id": 5}, nil); res.StatusCode != http.StatusCreated {
		t.Fatalf("create account: %d %s", res.StatusCode, data)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts/5/balance", map[string]any{"delta": 40}, adminHeader())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("adjust status %d: %s", res.StatusCode, data)
	}
	var acct AccountResponse
	if err := json.Unmarshal(data, &acct); err != nil {
		t.Fatal(err)
	}
	if acct.Account.Balance != 50 {
		t.Fatalf("balance = %d, want 50", acct.Account.Balance)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, adminHeader())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, data)
	}
	var stats StatsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Stats.Accounts != 1 || stats.Stats.CoinsInFlight != 50 {
		t.Fatalf("stats = %+v", stats.Stats)
	}
}

func TestRankingsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	for id := int64(1); id <= 2; id++ {
		if _, err := srv.Engine.CreateAccount(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	req, err := srv.Engine.CreateRequest(ctx, engine.RequestCreateOptions{
		OwnerID: 1, Link: testLink, Action: domain.ActionLike, Quantity: 1, ActorID: "1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.RecordCompletion(ctx, engine.CompletionOptions{AccountID: 2, RequestID: req.ID}); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rankings/weekly/rollup", nil, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("rollup without credential status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rankings/weekly/rollup", nil, adminHeader())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rollup status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rankings/weekly", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rankings status %d: %s", res.StatusCode, data)
	}
	var rankings RankingResponse
	if err := json.Unmarshal(data, &rankings); err != nil {
		t.Fatal(err)
	}
	if len(rankings.Entries) != 1 || rankings.Entries[0].AccountID != 2 {
		t.Fatalf("entries = %+v", rankings.Entries)
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}
