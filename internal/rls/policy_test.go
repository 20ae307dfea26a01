package rls

import (
	"errors"
	"testing"
)

func validPolicy() Policy {
	return Policy{
		TenantID:  "t1",
		TableName: "tickets",
		Name:      "own-department",
		Operation: OpRead,
		RoleID:    "r1",
		Condition: "department = {{department}}",
	}
}

func TestValidatePolicyAccepts(t *testing.T) {
	if err := ValidatePolicy(validPolicy()); err != nil {
		t.Fatal(err)
	}

	p := validPolicy()
	p.RoleID = ""
	p.UserID = "u1"
	p.Condition = "assigned_to = {{user_id}} AND created_at < {{now}}"
	if err := ValidatePolicy(p); err != nil {
		t.Fatal(err)
	}
}

func TestValidatePolicyRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"missing tenant", func(p *Policy) { p.TenantID = " " }},
		{"missing table", func(p *Policy) { p.TableName = "" }},
		{"bad operation", func(p *Policy) { p.Operation = "truncate" }},
		{"both targets", func(p *Policy) { p.UserID = "u1" }},
		{"no target", func(p *Policy) { p.RoleID = "" }},
		{"empty condition", func(p *Policy) { p.Condition = "  " }},
		{"semicolon", func(p *Policy) { p.Condition = "id = {{user_id}}; drop table x" }},
		{"line comment", func(p *Policy) { p.Condition = "id = {{user_id}} --" }},
		{"block comment", func(p *Policy) { p.Condition = "id = {{user_id}} /* x */" }},
		{"hash comment", func(p *Policy) { p.Condition = "id = {{user_id}} # x" }},
		{"union keyword", func(p *Policy) { p.Condition = "id = {{user_id}} union select 1" }},
		{"delete keyword", func(p *Policy) { p.Condition = "DELETE from t" }},
		{"unknown placeholder", func(p *Policy) { p.Condition = "id = {{password}}" }},
		{"unbalanced braces", func(p *Policy) { p.Condition = "id = {{user_id}" }},
	}
	for _, tc := range cases {
		p := validPolicy()
		tc.mutate(&p)
		if err := ValidatePolicy(p); !errors.Is(err, ErrPolicyInvalid) {
			t.Fatalf("%s: expected ErrPolicyInvalid, got %v", tc.name, err)
		}
	}
}

func TestValidatePolicyKeywordIsWordBounded(t *testing.T) {
	// "created_at" contains "create" but only as a substring.
	p := validPolicy()
	p.Condition = "created_at < {{now}}"
	if err := ValidatePolicy(p); err != nil {
		t.Fatal(err)
	}
}
