package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"paperline/internal/audit"
	"paperline/internal/config"
	"paperline/internal/db"
	"paperline/internal/ledger"
	"paperline/internal/migrate"
	"paperline/internal/repo"
	"paperline/internal/server"
	"paperline/internal/stage"
)

const testSecret = "test-secret"

func newTestHandler(t *testing.T) http.Handler {
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
	cfg := config.Default("proj-api")
	l := ledger.New(conn, cfg)
	m := stage.New(conn, cfg, l)
	h, err := server.New(server.Config{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Ledger:    l,
		Machine:   m,
		Validator: audit.New(l, m, cfg),
		Project:   cfg,
		Auth: server.AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return h
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func createProject(t *testing.T, h http.Handler, token, id string) {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/v0/projects", token, map[string]any{"id": id})
	if w.Code != http.StatusCreated {
		t.Fatalf("create project: status %d body %s", w.Code, w.Body.String())
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h := newTestHandler(t)
	w := doJSON(t, h, http.MethodGet, "/v0/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: status %d", w.Code)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	h := newTestHandler(t)
	w := doJSON(t, h, http.MethodGet, "/v0/projects", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
	body := decodeBody(t, w)
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "unauthorized" {
		t.Fatalf("error code: %v", body)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	h := newTestHandler(t)
	w := doJSON(t, h, http.MethodGet, "/v0/projects", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
	body := decodeBody(t, w)
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "invalid_credentials" {
		t.Fatalf("error code: %v", body)
	}
}

func TestLegacyActorHeaderFallback(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v0/projects", bytes.NewBufferString(`{"id":"proj-legacy"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "legacy-user")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestReviewAndScoreFlow(t *testing.T) {
	h := newTestHandler(t)
	token := signToken(t, "alice")
	createProject(t, h, token, "proj-api")

	w := doJSON(t, h, http.MethodPost, "/v0/projects/proj-api/reviews", token, map[string]any{
		"reviewer_id": "alice",
		"positive":    true,
		"human":       true,
		"comment":     "solid design",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add review: status %d body %s", w.Code, w.Body.String())
	}
	if score := decodeBody(t, w)["score"]; score != 1.0 {
		t.Fatalf("score after human positive: %v", score)
	}

	w = doJSON(t, h, http.MethodGet, "/v0/projects/proj-api/score", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("score: status %d", w.Code)
	}
	breakdown := decodeBody(t, w)
	if breakdown["current_score"] != 1.0 || breakdown["total_reviews"] != 1.0 {
		t.Fatalf("breakdown: %v", breakdown)
	}

	w = doJSON(t, h, http.MethodGet, "/v0/projects/proj-api/reviews", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list reviews: status %d", w.Code)
	}
	var reviews []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &reviews); err != nil || len(reviews) != 1 {
		t.Fatalf("reviews: %s err=%v", w.Body.String(), err)
	}
}

func TestMissingReviewerRejected(t *testing.T) {
	h := newTestHandler(t)
	token := signToken(t, "alice")
	createProject(t, h, token, "proj-api")
	w := doJSON(t, h, http.MethodPost, "/v0/projects/proj-api/reviews", token, map[string]any{
		"positive": true,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestAdvanceDenialListsMissingRequirements(t *testing.T) {
	h := newTestHandler(t)
	token := signToken(t, "alice")
	createProject(t, h, token, "proj-api")

	w := doJSON(t, h, http.MethodPost, "/v0/projects/proj-api/stage/advance", token, map[string]any{
		"snapshot": map[string]any{},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("advance: status %d body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["advanced"] != false {
		t.Fatalf("advance should be denied: %v", body)
	}
	missing, _ := body["missing_requirements"].([]any)
	found := map[string]bool{}
	for _, m := range missing {
		found[m.(string)] = true
	}
	if !found["artifact:technical_design"] || !found["score"] {
		t.Fatalf("missing requirements: %v", missing)
	}
}

func TestForcedAdvanceThroughAPI(t *testing.T) {
	h := newTestHandler(t)
	token := signToken(t, "alice")
	createProject(t, h, token, "proj-api")

	w := doJSON(t, h, http.MethodPost, "/v0/projects/proj-api/stage/advance?force=true", token, map[string]any{
		"snapshot": map[string]any{},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("advance: status %d body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["advanced"] != true {
		t.Fatalf("forced advance failed: %v", body)
	}
	transition, _ := body["transition"].(map[string]any)
	if transition["from_stage"] != "backlog" || transition["to_stage"] != "ready" {
		t.Fatalf("transition: %v", transition)
	}
}

func TestRollbackAtBacklogConflicts(t *testing.T) {
	h := newTestHandler(t)
	token := signToken(t, "alice")
	createProject(t, h, token, "proj-api")

	w := doJSON(t, h, http.MethodPost, "/v0/projects/proj-api/stage/rollback", token, map[string]any{
		"reason": "nothing to undo",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "stage_conflict" {
		t.Fatalf("error code: %v", body)
	}
}

func TestValidateEndpointPersistsReport(t *testing.T) {
	h := newTestHandler(t)
	token := signToken(t, "alice")
	createProject(t, h, token, "proj-api")
	doJSON(t, h, http.MethodPost, "/v0/projects/proj-api/reviews", token, map[string]any{
		"reviewer_id": "bot-1",
		"positive":    true,
	})

	w := doJSON(t, h, http.MethodPost, "/v0/projects/proj-api/validate", token, map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("validate: status %d body %s", w.Code, w.Body.String())
	}
	report := decodeBody(t, w)
	if report["overall_status"] != "PASSED" {
		t.Fatalf("report: %v", report)
	}
	if report["total_checks"] != 6.0 {
		t.Fatalf("check count: %v", report["total_checks"])
	}

	w = doJSON(t, h, http.MethodGet, "/v0/projects/proj-api/reports/latest?kind=validation", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("latest report: status %d body %s", w.Code, w.Body.String())
	}
	latest := decodeBody(t, w)
	if latest["overall_status"] != "PASSED" {
		t.Fatalf("latest report: %v", latest)
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	h := newTestHandler(t)
	token := signToken(t, "alice")
	w := doJSON(t, h, http.MethodGet, "/v0/projects/ghost", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestEventsEndpointFilters(t *testing.T) {
	h := newTestHandler(t)
	token := signToken(t, "alice")
	createProject(t, h, token, "proj-api")
	doJSON(t, h, http.MethodPost, "/v0/projects/proj-api/reviews", token, map[string]any{
		"reviewer_id": "alice",
		"positive":    true,
		"human":       true,
	})

	w := doJSON(t, h, http.MethodGet, "/v0/events?project_id=proj-api&type=review.added", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: status %d body %s", w.Code, w.Body.String())
	}
	var events []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0]["type"] != "review.added" {
		t.Fatalf("events: %v", events)
	}
}
