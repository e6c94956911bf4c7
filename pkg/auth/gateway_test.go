package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func keys(ks ...string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, k := range ks {
		out[k] = struct{}{}
	}
	return out
}

func testConfig() SecConfig {
	return SecConfig{
		BackendKeys:  keys("bk"),
		FrontendKeys: keys("fk"),
		AdminKeys:    keys("ak"),
		RPS:          1000,
		Burst:        1000,
	}
}

// roleRecorder captures the role the gateway attached.
func roleRecorder(got *Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func doGateway(cfg SecConfig, req *http.Request, got *Role) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	GatewayMiddleware(cfg)(roleRecorder(got)).ServeHTTP(rec, req)
	return rec
}

func TestGatewayRoleResolution(t *testing.T) {
	cases := []struct {
		name   string
		header func(r *http.Request)
		status int
		role   Role
	}{
		{"backend bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer bk") }, 200, RoleBackend},
		{"backend api key", func(r *http.Request) { r.Header.Set("X-API-Key", "bk") }, 200, RoleBackend},
		{"admin", func(r *http.Request) { r.Header.Set("X-API-Key", "ak") }, 200, RoleAdmin},
		{"frontend", func(r *http.Request) { r.Header.Set("X-API-Key", "fk") }, 200, RoleFrontend},
		{"unknown key", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, 401, RoleUnauth},
		{"no key", func(r *http.Request) {}, 401, RoleUnauth},
	}
	for _, tc := range cases {
		var got Role
		req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
		tc.header(req)
		rec := doGateway(testConfig(), req, &got)
		if rec.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.status)
		}
		if tc.status == 200 && got != tc.role {
			t.Fatalf("%s: role = %s, want %s", tc.name, got, tc.role)
		}
	}
}

func TestGatewayAllowUnauthPromotesToBackend(t *testing.T) {
	cfg := testConfig()
	cfg.AllowUnauth = true
	var got Role
	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	rec := doGateway(cfg, req, &got)
	if rec.Code != 200 || got != RoleBackend {
		t.Fatalf("status = %d role = %s, want backend without a key", rec.Code, got)
	}
}

func TestGatewayHealthProbesBypassAuth(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		var got Role
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := doGateway(testConfig(), req, &got)
		if rec.Code != 200 {
			t.Fatalf("%s: status = %d, want probe to pass", path, rec.Code)
		}
	}
}

func TestGatewayFrontendScope(t *testing.T) {
	allowed := []string{"/v1/threads", "/v1/inbox", "/v1/runs/run1", "/v1/comments/cm1"}
	for _, path := range allowed {
		var got Role
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-API-Key", "fk")
		if rec := doGateway(testConfig(), req, &got); rec.Code != 200 {
			t.Fatalf("%s: status = %d, want frontend allowed", path, rec.Code)
		}
	}
	for _, path := range []string{"/v1/users", "/v1/admin/events"} {
		var got Role
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-API-Key", "fk")
		if rec := doGateway(testConfig(), req, &got); rec.Code != http.StatusForbidden {
			t.Fatalf("%s: status = %d, want 403 for frontend", path, rec.Code)
		}
	}
}

func TestGatewayRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RPS = 1
	cfg.Burst = 2
	mw := GatewayMiddleware(cfg)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
		req.Header.Set("X-API-Key", "bk")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429 past the burst", last)
	}
}

func TestGatewayCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	var got Role
	req := httptest.NewRequest(http.MethodOptions, "/v1/threads", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := doGateway(cfg, req, &got)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	// disallowed origins get no CORS headers
	req = httptest.NewRequest(http.MethodOptions, "/v1/threads", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = doGateway(cfg, req, &got)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("CORS headers granted to disallowed origin")
	}
}

func withRole(r *http.Request, role Role) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxRoleKey{}, role))
}

func TestResolveUserBackend(t *testing.T) {
	req := withRole(httptest.NewRequest(http.MethodPost, "/v1/threads", nil), RoleBackend)
	if _, status, msg := ResolveUser(req, ""); status != http.StatusBadRequest {
		t.Fatalf("status = %d (%s), want 400 without any user", status, msg)
	}

	// body wins over header and query
	req = withRole(httptest.NewRequest(http.MethodPost, "/v1/threads?user=qu", nil), RoleBackend)
	req.Header.Set("X-User-ID", "hu")
	user, status, _ := ResolveUser(req, "bu")
	if status != 0 || user != "bu" {
		t.Fatalf("user = %q status = %d, want body user", user, status)
	}

	req = withRole(httptest.NewRequest(http.MethodPost, "/v1/threads?user=qu", nil), RoleBackend)
	user, status, _ = ResolveUser(req, "")
	if status != 0 || user != "qu" {
		t.Fatalf("user = %q status = %d, want query fallback", user, status)
	}
}

func TestResolveUserFrontendBoundToHeader(t *testing.T) {
	req := withRole(httptest.NewRequest(http.MethodPost, "/v1/threads", nil), RoleFrontend)
	if _, status, _ := ResolveUser(req, ""); status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without header", status)
	}

	req = withRole(httptest.NewRequest(http.MethodPost, "/v1/threads", nil), RoleFrontend)
	req.Header.Set("X-User-ID", "alice")
	user, status, _ := ResolveUser(req, "")
	if status != 0 || user != "alice" {
		t.Fatalf("user = %q status = %d", user, status)
	}

	// a frontend caller cannot act for someone else via the body
	if _, status, _ := ResolveUser(req, "bob"); status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 on mismatch", status)
	}
}
