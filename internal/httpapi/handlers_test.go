package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nmatss/servicedesk-core/internal/audit"
	"github.com/nmatss/servicedesk-core/internal/authz"
	"github.com/nmatss/servicedesk-core/internal/rls"
	"github.com/nmatss/servicedesk-core/internal/token"
)

type nopSink struct{}

func (nopSink) Record(context.Context, audit.Entry) {}

// fakeAuthzStore grants tickets:read to role r-agent and nothing else.
type fakeAuthzStore struct {
	assignments []authz.UserRoleAssignment
}

func (s *fakeAuthzStore) DirectGrant(context.Context, string, string, string, string, string) (*authz.ResourcePermission, error) {
	return nil, authz.ErrNotFound
}

func (s *fakeAuthzStore) ResolveParent(context.Context, string, string, string) (string, string, error) {
	return "", "", authz.ErrNotFound
}

func (s *fakeAuthzStore) RoleAssignments(context.Context, string, string) ([]authz.UserRoleAssignment, error) {
	return s.assignments, nil
}

func (s *fakeAuthzStore) RolePermissions(_ context.Context, _, roleID, resource, action string) ([]authz.Permission, error) {
	if roleID == "r-agent" && resource == "tickets" && action == "read" {
		return []authz.Permission{{ID: "p1"}}, nil
	}
	return nil, nil
}

func (s *fakeAuthzStore) AssignRole(_ context.Context, a authz.UserRoleAssignment) error {
	s.assignments = append(s.assignments, a)
	return nil
}

func (s *fakeAuthzStore) RevokeRole(context.Context, string, string, string) error { return nil }

func (s *fakeAuthzStore) UpsertResourcePermission(context.Context, authz.ResourcePermission) error {
	return nil
}

func (s *fakeAuthzStore) RevokeResourcePermission(context.Context, string, string, string, string, string) error {
	return nil
}

func (s *fakeAuthzStore) EnsurePermissions(context.Context, string, []authz.Permission) error {
	return nil
}

type fakeTokenStore struct {
	records map[string]*token.RefreshTokenRecord
}

func (s *fakeTokenStore) Create(_ context.Context, rec *token.RefreshTokenRecord) error {
	if s.records == nil {
		s.records = map[string]*token.RefreshTokenRecord{}
	}
	cp := *rec
	s.records[rec.TokenHash] = &cp
	return nil
}

func (s *fakeTokenStore) FindByHash(_ context.Context, hash string) (*token.RefreshTokenRecord, error) {
	rec, ok := s.records[hash]
	if !ok {
		return nil, token.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeTokenStore) Touch(context.Context, string, time.Time) error { return nil }

func (s *fakeTokenStore) Revoke(_ context.Context, id string, at time.Time) error {
	for _, rec := range s.records {
		if rec.ID == id {
			rec.RevokedAt = &at
			return nil
		}
	}
	return token.ErrNotFound
}

func (s *fakeTokenStore) RevokeAllForUser(context.Context, string, string, time.Time) error {
	return nil
}

func (s *fakeTokenStore) DeleteExpired(context.Context, time.Time, time.Time) (int64, error) {
	return 0, nil
}

type fakeIdentityStore struct{ role string }

func (s *fakeIdentityStore) Lookup(_ context.Context, userID, tenantID string) (token.Identity, error) {
	return token.Identity{
		UserID: userID, TenantID: tenantID, Name: "Ada",
		Email: "ada@example.com", Role: s.role, TenantSlug: "acme", Active: true,
	}, nil
}

type fakePolicyStore struct{ policies []rls.Policy }

func (s *fakePolicyStore) PoliciesFor(context.Context, string, string, rls.Operation) ([]rls.Policy, error) {
	return s.policies, nil
}

func (s *fakePolicyStore) CreatePolicy(_ context.Context, p rls.Policy) error {
	s.policies = append(s.policies, p)
	return nil
}

func (s *fakePolicyStore) DeletePolicy(context.Context, string, string) error { return nil }

func newTestAPI(t *testing.T, role string) (*API, *token.Manager) {
	t.Helper()
	evaluator, err := authz.NewEvaluator(&fakeAuthzStore{
		assignments: []authz.UserRoleAssignment{{UserID: "u1", RoleID: "r-agent", TenantID: "t1", IsActive: true}},
	}, nopSink{})
	if err != nil {
		t.Fatal(err)
	}
	manager, err := token.NewManager("test-secret", &fakeTokenStore{}, &fakeIdentityStore{role: role})
	if err != nil {
		t.Fatal(err)
	}
	composer, err := rls.NewComposer(&fakePolicyStore{}, nopSink{})
	if err != nil {
		t.Fatal(err)
	}
	return New(evaluator, manager, composer, ReadyProbe{}, "test"), manager
}

func authedRequest(t *testing.T, m *token.Manager, method, path, body, role string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("User-Agent", "test-agent")

	signed, _, err := m.GenerateAccessToken(token.Identity{
		UserID: "u1", TenantID: "t1", Role: role, TenantSlug: "acme",
	}, token.Fingerprint(r))
	if err != nil {
		t.Fatal(err)
	}
	r.Header.Set("Authorization", "Bearer "+signed)
	return r
}

func TestHealthz(t *testing.T) {
	api, _ := newTestAPI(t, "agent")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestProtectedPathRequiresToken(t *testing.T) {
	api, _ := newTestAPI(t, "agent")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/authz/check", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCheckEndpoint(t *testing.T) {
	api, m := newTestAPI(t, "agent")

	rec := httptest.NewRecorder()
	req := authedRequest(t, m, http.MethodPost, "/v1/authz/check",
		`{"resource":"tickets","action":"read"}`, "agent")
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Granted bool   `json:"granted"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Granted || resp.Reason != "role_permission" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCheckEndpointDenies(t *testing.T) {
	api, m := newTestAPI(t, "agent")

	rec := httptest.NewRecorder()
	req := authedRequest(t, m, http.MethodPost, "/v1/authz/check",
		`{"resource":"tickets","action":"delete"}`, "agent")
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"granted":false`) {
		t.Fatalf("expected deny, got %s", rec.Body.String())
	}
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	api, m := newTestAPI(t, "agent")

	rec := httptest.NewRecorder()
	req := authedRequest(t, m, http.MethodPost, "/v1/policies",
		`{"table_name":"tickets","name":"own","operation":"read","role_id":"r1","condition":"assigned_to = {{user_id}}"}`,
		"agent")
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = authedRequest(t, m, http.MethodPost, "/v1/policies",
		`{"table_name":"tickets","name":"own","operation":"read","role_id":"r1","condition":"assigned_to = {{user_id}}"}`,
		"admin")
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for admin, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshEndpoint(t *testing.T) {
	api, m := newTestAPI(t, "agent")

	seed := httptest.NewRequest(http.MethodPost, "/v1/tokens/refresh", nil)
	seed.Header.Set("User-Agent", "test-agent")
	fingerprint := token.Fingerprint(seed)
	refresh, _, err := m.GenerateRefreshToken(context.Background(), token.Identity{
		UserID: "u1", TenantID: "t1", Role: "agent",
	}, fingerprint)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/refresh", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.AddCookie(&http.Cookie{Name: token.CookieRefresh, Value: refresh})
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"access_token"`) {
		t.Fatalf("missing access token in %s", rec.Body.String())
	}
	sevenDays := int(7 * 24 * time.Hour / time.Second)
	for _, c := range rec.Result().Cookies() {
		if c.Name == token.CookieRefresh {
			if c.MaxAge <= 0 || c.MaxAge > sevenDays {
				t.Fatalf("refresh cookie MaxAge %d exceeds the token's remaining lifetime", c.MaxAge)
			}
		}
	}
}

func TestRefreshEndpointRejectsWrongDevice(t *testing.T) {
	api, m := newTestAPI(t, "agent")

	seed := httptest.NewRequest(http.MethodPost, "/v1/tokens/refresh", nil)
	seed.Header.Set("User-Agent", "test-agent")
	refresh, _, err := m.GenerateRefreshToken(context.Background(), token.Identity{
		UserID: "u1", TenantID: "t1",
	}, token.Fingerprint(seed))
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/refresh", nil)
	req.Header.Set("User-Agent", "different-agent")
	req.AddCookie(&http.Cookie{Name: token.CookieRefresh, Value: refresh})
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong device, got %d", rec.Code)
	}
}
