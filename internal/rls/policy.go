package rls

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Operation classifies a data access for policy matching.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
)

// Policy restricts which rows of one table a subject may touch. A policy
// targets either a role or a specific user, never both. Its condition is a
// parameterized boolean template; placeholder values come exclusively from
// the session, never from free-form user input.
type Policy struct {
	ID        string
	TenantID  string
	TableName string
	Name      string
	Operation Operation
	RoleID    string
	UserID    string
	Condition string
	Priority  int
	IsActive  bool
	CreatedAt time.Time
}

// ErrPolicyInvalid marks creation-time validation failures. Unlike token and
// permission errors, these carry a specific diagnostic: the caller is a
// trusted administrator fixing a template, not an end user.
var ErrPolicyInvalid = errors.New("rls: invalid policy")

// Placeholder vocabulary. Anything outside this allow-list rejects the
// policy outright at creation time.
const (
	PlaceholderUserID     = "user_id"
	PlaceholderRole       = "role"
	PlaceholderDepartment = "department"
	PlaceholderSessionID  = "session_id"
	PlaceholderIPAddress  = "ip_address"
	PlaceholderNow        = "now"
)

var allowedPlaceholders = map[string]struct{}{
	PlaceholderUserID:     {},
	PlaceholderRole:       {},
	PlaceholderDepartment: {},
	PlaceholderSessionID:  {},
	PlaceholderIPAddress:  {},
	PlaceholderNow:        {},
}

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_]+)\s*\}\}`)

	// Statement terminators and comment markers have no business inside a
	// boolean fragment. Administrators author these templates, but defense
	// in depth still applies.
	forbiddenSequences = []string{";", "--", "/*", "*/", "#"}

	forbiddenKeywords = regexp.MustCompile(`(?i)\b(union|insert|update|delete|drop|alter|create|truncate|grant|revoke|exec|execute|merge)\b`)
)

// ValidatePolicy rejects malformed policies before they reach the store.
func ValidatePolicy(p Policy) error {
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrPolicyInvalid)
	}
	if strings.TrimSpace(p.TableName) == "" {
		return fmt.Errorf("%w: table_name is required", ErrPolicyInvalid)
	}
	switch p.Operation {
	case OpRead, OpWrite, OpDelete:
	default:
		return fmt.Errorf("%w: unsupported operation %q", ErrPolicyInvalid, p.Operation)
	}
	if (p.RoleID == "") == (p.UserID == "") {
		return fmt.Errorf("%w: exactly one of role_id or user_id must be set", ErrPolicyInvalid)
	}
	return validateTemplate(p.Condition)
}

func validateTemplate(template string) error {
	template = strings.TrimSpace(template)
	if template == "" {
		return fmt.Errorf("%w: condition template is required", ErrPolicyInvalid)
	}
	for _, seq := range forbiddenSequences {
		if strings.Contains(template, seq) {
			return fmt.Errorf("%w: disallowed SQL construct %q in condition", ErrPolicyInvalid, seq)
		}
	}
	if kw := forbiddenKeywords.FindString(template); kw != "" {
		return fmt.Errorf("%w: disallowed SQL keyword %q in condition", ErrPolicyInvalid, kw)
	}
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	for _, m := range matches {
		if _, ok := allowedPlaceholders[m[1]]; !ok {
			return fmt.Errorf("%w: disallowed placeholder %q", ErrPolicyInvalid, m[1])
		}
	}
	// A stray brace pair that the placeholder pattern did not consume means
	// a typo like {{userid}; reject rather than pass it through verbatim.
	if strings.Contains(placeholderPattern.ReplaceAllString(template, ""), "{{") ||
		strings.Contains(placeholderPattern.ReplaceAllString(template, ""), "}}") {
		return fmt.Errorf("%w: unbalanced placeholder braces", ErrPolicyInvalid)
	}
	return nil
}
