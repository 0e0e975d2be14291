package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"commitpulse/internal/github"
	"commitpulse/internal/store"
	logx "commitpulse/pkg/logx"
)

type fakeValidator struct {
	userErr error
	repoErr error
	repos   []github.Repo
}

func (f *fakeValidator) GetUser(ctx context.Context, token, username string) (string, error) {
	if f.userErr != nil {
		return "", f.userErr
	}
	return username, nil
}

func (f *fakeValidator) ListRepos(ctx context.Context, token, username string) ([]github.Repo, error) {
	if f.repoErr != nil {
		return nil, f.repoErr
	}
	return f.repos, nil
}

func newTestHandler(t *testing.T, host HostValidator) (http.Handler, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	h := NewHandler(Deps{
		Store:   st,
		Host:    host,
		Token:   "service-token",
		Limiter: NewFixedWindowLimiter(time.Minute, 1000),
		Log:     logx.Nop(),
	})
	return h, st
}

func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer service-token")
	return req
}

func TestAuthGitHubStoresUserAndRepos(t *testing.T) {
	t.Parallel()
	host := &fakeValidator{repos: []github.Repo{
		{FullName: "alice/project", DefaultBranch: "main", Language: "Go", Stars: 3},
	}}
	h, st := newTestHandler(t, host)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/auth/github",
		`{"userId":"u1","username":"alice","token":"ghp_x"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success || len(resp.Repositories) != 1 {
		t.Fatalf("response = %+v", resp)
	}

	u, err := st.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Username != "alice" || u.Token != "ghp_x" {
		t.Fatalf("stored user = %+v", u)
	}
	if len(u.Repositories) != 1 || u.Repositories[0].Name != "alice/project" {
		t.Fatalf("stored repos = %+v", u.Repositories)
	}
}

func TestAuthGitHubRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	host := &fakeValidator{userErr: &github.APIError{StatusCode: http.StatusUnauthorized}}
	h, st := newTestHandler(t, host)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/auth/github",
		`{"userId":"u1","username":"alice","token":"bad"}`))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := st.GetUser(context.Background(), "u1"); err == nil {
		t.Fatal("rejected credentials were stored")
	}
}

func TestAuthGitHubRequiresFields(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, &fakeValidator{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/auth/github",
		`{"username":"alice"}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBearerAuthGuardsAPI(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodGet, "/api/history?user=u1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/history?user=u1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", rec.Code)
	}
}

func TestBearerAuthRejectsEmptyConfiguredToken(t *testing.T) {
	t.Parallel()
	guarded := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/history?user=u1", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("empty token matched empty credential: status = %d", rec.Code)
	}
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	t.Parallel()
	h, st := newTestHandler(t, &fakeValidator{})
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := st.AppendRecord(ctx, &store.CommitRecord{
			ID:         "sha-" + string(rune('a'+i)),
			UserID:     "u1",
			Repository: "alice/project",
			Status:     store.RecordSuccess,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/history?user=u1&limit=2", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Records []store.CommitRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(resp.Records))
	}
	if resp.Records[0].ID != "sha-c" {
		t.Fatalf("newest record = %s", resp.Records[0].ID)
	}
}

func TestHealthIsOpenAndReportsStatus(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, &fakeValidator{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("health = %+v", resp)
	}
}

func TestFixedWindowLimiter(t *testing.T) {
	t.Parallel()
	l := NewFixedWindowLimiter(time.Minute, 3)
	now := time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d rejected under limit", i+1)
		}
	}
	if l.Allow("a") {
		t.Fatal("request over limit allowed")
	}
	if !l.Allow("b") {
		t.Fatal("independent client rejected")
	}

	// Window rollover resets the budget.
	now = now.Add(time.Minute)
	if !l.Allow("a") {
		t.Fatal("request after window rollover rejected")
	}
}

func TestFixedWindowLimiterSweepsStaleClients(t *testing.T) {
	t.Parallel()
	l := NewFixedWindowLimiter(time.Minute, 3)
	now := time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	if got := l.Clients(); got != 2 {
		t.Fatalf("clients = %d, want 2", got)
	}

	now = now.Add(3 * time.Minute)
	l.Allow("c")
	if got := l.Clients(); got != 1 {
		t.Fatalf("clients after sweep = %d, want 1", got)
	}
}

func TestRateLimitMiddlewareRejects(t *testing.T) {
	t.Parallel()
	st, err := store.Open(store.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := NewHandler(Deps{
		Store:   st,
		Host:    &fakeValidator{},
		Token:   "service-token",
		Limiter: NewFixedWindowLimiter(time.Minute, 1),
		Log:     logx.Nop(),
	})

	req := authedRequest(http.MethodGet, "/api/history?user=u1", "")
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}

	req = authedRequest(http.MethodGet, "/api/history?user=u1", "")
	req.RemoteAddr = "10.0.0.1:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d", rec.Code)
	}
}
