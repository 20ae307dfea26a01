package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nmatss/servicedesk-core/internal/audit"
	"github.com/nmatss/servicedesk-core/internal/authz"
	"github.com/nmatss/servicedesk-core/internal/rls"
	"github.com/nmatss/servicedesk-core/internal/token"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db}, mock
}

func TestDirectGrantFound(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "resource_type", "resource_id", "action", "tenant_id",
		"granted_by", "conditions", "expires_at", "is_active", "created_at",
	}).AddRow("g1", "u1", "tickets", "42", "read", "t1",
		"admin", []byte(`{"department":"support"}`), nil, true, created)
	mock.ExpectQuery("select id, user_id, resource_type, resource_id").
		WithArgs("t1", "u1", "tickets", "42", "read").
		WillReturnRows(rows)

	grant, err := s.DirectGrant(context.Background(), "t1", "u1", "tickets", "42", "read")
	if err != nil {
		t.Fatal(err)
	}
	if grant.ID != "g1" || grant.Conditions["department"] != "support" || grant.ExpiresAt != nil {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDirectGrantNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select id, user_id, resource_type, resource_id").
		WithArgs("t1", "u1", "tickets", "42", "read").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.DirectGrant(context.Background(), "t1", "u1", "tickets", "42", "read")
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected authz.ErrNotFound, got %v", err)
	}
}

func TestResolveParentChain(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select ticket_id from comments").
		WithArgs("7", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"ticket_id"}).AddRow("42"))
	resource, id, err := s.ResolveParent(context.Background(), "t1", "comments", "7")
	if err != nil || resource != "tickets" || id != "42" {
		t.Fatalf("unexpected parent %s/%s err=%v", resource, id, err)
	}

	mock.ExpectQuery("select category_id from tickets").
		WithArgs("42", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"category_id"}).AddRow(nil))
	if _, _, err := s.ResolveParent(context.Background(), "t1", "tickets", "42"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("null parent must be ErrNotFound, got %v", err)
	}

	if _, _, err := s.ResolveParent(context.Background(), "t1", "categories", "c1"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("root resource must be ErrNotFound, got %v", err)
	}
}

func TestRevokeRoleNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("update user_roles").
		WithArgs("t1", "u1", "r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RevokeRole(context.Background(), "t1", "u1", "r1"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected authz.ErrNotFound, got %v", err)
	}
}

func TestAssignRoleUpsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("insert into user_roles").
		WithArgs("u1", "r1", "t1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AssignRole(context.Background(), authz.UserRoleAssignment{
		UserID: "u1", RoleID: "r1", TenantID: "t1", GrantedBy: "admin", IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByHashMapsMissingRecord(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select id, user_id, tenant_id, token_hash").
		WithArgs("deadbeef").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.FindByHash(context.Background(), "deadbeef"); !errors.Is(err, token.ErrNotFound) {
		t.Fatalf("expected token.ErrNotFound, got %v", err)
	}
}

func TestFindByHashScansRecord(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	revoked := now.Add(time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "tenant_id", "token_hash", "device_fingerprint",
		"expires_at", "created_at", "last_used_at", "revoked_at",
	}).AddRow("tok1", "u1", "t1", "hash", "fp", now.Add(24*time.Hour), now, nil, revoked)
	mock.ExpectQuery("select id, user_id, tenant_id, token_hash").
		WithArgs("hash").
		WillReturnRows(rows)

	rec, err := s.FindByHash(context.Background(), "hash")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "tok1" || rec.LastUsedAt != nil || rec.RevokedAt == nil || !rec.RevokedAt.Equal(revoked) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRevokeAlreadyRevoked(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("update refresh_tokens").
		WithArgs("tok1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Revoke(context.Background(), "tok1", time.Now()); !errors.Is(err, token.ErrNotFound) {
		t.Fatalf("expected token.ErrNotFound, got %v", err)
	}
}

func TestLookupIdentity(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "name", "email", "role", "is_active", "slug"}).
		AddRow("u1", "t1", "Ada", "ada@example.com", "agent", true, "acme")
	mock.ExpectQuery("select u.id, u.tenant_id, u.name").
		WithArgs("u1", "t1").
		WillReturnRows(rows)

	id, err := s.Lookup(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if id.TenantSlug != "acme" || !id.Active {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestPoliciesForScansNullableTargets(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "table_name", "policy_name", "policy_type",
		"role_id", "user_id", "condition", "priority", "is_active", "created_at",
	}).
		AddRow("p1", "t1", "tickets", "by-role", "read", "r1", nil, "department = {{department}}", 5, true, created).
		AddRow("p2", "t1", "tickets", "by-user", "read", nil, "u1", "assigned_to = {{user_id}}", 1, true, created)
	mock.ExpectQuery("select id, tenant_id, table_name").
		WithArgs("t1", "tickets", "read").
		WillReturnRows(rows)

	policies, err := s.PoliciesFor(context.Background(), "t1", "tickets", rls.OpRead)
	if err != nil {
		t.Fatal(err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}
	if policies[0].RoleID != "r1" || policies[0].UserID != "" {
		t.Fatalf("unexpected first policy %+v", policies[0])
	}
	if policies[1].RoleID != "" || policies[1].UserID != "u1" {
		t.Fatalf("unexpected second policy %+v", policies[1])
	}
}

func TestDeletePolicyNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("delete from row_level_policies").
		WithArgs("p1", "t1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeletePolicy(context.Background(), "t1", "p1"); !errors.Is(err, rls.ErrNotFound) {
		t.Fatalf("expected rls.ErrNotFound, got %v", err)
	}
}

func TestAppendAuditEntry(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("insert into permission_audit_log").
		WithArgs("a1", "u1", "t1", "tickets", sqlmock.AnyArg(), "read", true,
			"direct_permission", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &audit.Entry{
		ID: "a1", UserID: "u1", TenantID: "t1", Resource: "tickets",
		Action: "read", Granted: true, Reason: "direct_permission",
		Context:   map[string]string{"department": "support"},
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.Append(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
