package rls

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nmatss/servicedesk-core/internal/audit"
	"github.com/nmatss/servicedesk-core/internal/ids"
	"github.com/nmatss/servicedesk-core/internal/obs"
)

// ErrNotFound is returned by stores for absent policies.
var ErrNotFound = errors.New("rls: not found")

// Statement is a parameterized SQL statement plus its bound arguments.
// Values are never interpolated into the text.
type Statement struct {
	SQL  string
	Args []any
}

// Subject carries the session attributes that may be bound into policy
// predicates. Roles lists every active role for target matching; Role is the
// primary role bound for the {{role}} placeholder.
type Subject struct {
	UserID     string
	TenantID   string
	Role       string
	Roles      []string
	Department string
	SessionID  string
	IPAddress  string
}

// PolicyStore persists row-level policies.
type PolicyStore interface {
	// PoliciesFor returns active policies for (tenant, table, operation).
	PoliciesFor(ctx context.Context, tenantID, table string, op Operation) ([]Policy, error)
	CreatePolicy(ctx context.Context, p Policy) error
	DeletePolicy(ctx context.Context, tenantID, policyID string) error
}

const (
	policyCacheSize = 1024
	policyCacheTTL  = 10 * time.Minute
)

// Composer augments data-access statements with the boolean predicates of
// applicable row-level policies.
type Composer struct {
	store PolicyStore
	sink  audit.Sink
	cache *expirable.LRU[string, []Policy]
	now   func() time.Time
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithClock overrides the time source bound to the {{now}} placeholder.
func WithClock(fn func() time.Time) ComposerOption {
	return func(c *Composer) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewComposer constructs a Composer over the given store and audit sink.
func NewComposer(store PolicyStore, sink audit.Sink, opts ...ComposerOption) (*Composer, error) {
	if store == nil {
		return nil, errors.New("rls: policy store is required")
	}
	if sink == nil {
		return nil, errors.New("rls: audit sink is required")
	}
	c := &Composer{
		store: store,
		sink:  sink,
		cache: expirable.NewLRU[string, []Policy](policyCacheSize, nil, policyCacheTTL),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// hasTopLevelWhere reports whether the statement carries a WHERE clause
// outside any parenthesized subexpression or string literal. A WHERE that
// only appears inside a subquery must not suppress the outer clause.
func hasTopLevelWhere(sql string) bool {
	lower := strings.ToLower(sql)
	depth := 0
	inString := false
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		switch {
		case c == '\'':
			inString = !inString
		case inString:
		case c == '(':
			depth++
		case c == ')':
			if depth > 0 {
				depth--
			}
		case c == 'w' && depth == 0:
			if strings.HasPrefix(lower[i:], "where") &&
				(i == 0 || !isWordByte(lower[i-1])) &&
				(i+5 >= len(lower) || !isWordByte(lower[i+5])) {
				return true
			}
		}
	}
	return false
}

func isWordByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9')
}

// Augment restricts the base statement to rows the subject may touch.
// Applicable policies (matched by role or user) are substituted into
// positional parameters, joined with OR, and appended as an AND group to the
// existing filter clause, or introduced as a new one. With no applicable
// policy the statement is returned untouched: absence means no implicit
// restriction.
//
// The base statement must end at its filter clause; trailing ORDER BY or
// LIMIT belongs after composition.
func (c *Composer) Augment(ctx context.Context, stmt Statement, table string, op Operation, sub Subject) (Statement, error) {
	if strings.TrimSpace(sub.TenantID) == "" || strings.TrimSpace(sub.UserID) == "" {
		return Statement{}, errors.New("rls: subject user and tenant ids are required")
	}
	policies, err := c.policies(ctx, sub.TenantID, table, op)
	if err != nil {
		return Statement{}, err
	}

	applicable := policies[:0:0]
	for _, p := range policies {
		if c.applies(p, sub) {
			applicable = append(applicable, p)
		}
	}
	obs.ObserveRLS(len(applicable))
	if len(applicable) == 0 {
		return stmt, nil
	}

	// Highest priority first; substitution order defines parameter order.
	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Priority > applicable[j].Priority
	})

	predicates := make([]string, 0, len(applicable))
	args := append([]any(nil), stmt.Args...)
	for _, p := range applicable {
		pred, bound, err := c.substitute(p.Condition, sub, len(args))
		if err != nil {
			// A template that slipped past creation-time validation must not
			// loosen the restriction by being skipped. Fail the composition.
			return Statement{}, err
		}
		predicates = append(predicates, "("+pred+")")
		args = append(args, bound...)
	}

	combined := strings.Join(predicates, " OR ")
	sql := stmt.SQL
	if hasTopLevelWhere(sql) {
		sql += " AND (" + combined + ")"
	} else {
		sql += " WHERE (" + combined + ")"
	}
	return Statement{SQL: sql, Args: args}, nil
}

// applies reports whether the policy targets this subject.
func (c *Composer) applies(p Policy, sub Subject) bool {
	if p.UserID != "" {
		return p.UserID == sub.UserID
	}
	for _, role := range sub.Roles {
		if role == p.RoleID {
			return true
		}
	}
	return false
}

// substitute replaces allow-listed placeholders with positional markers and
// collects the bound values in substitution order.
func (c *Composer) substitute(template string, sub Subject, offset int) (string, []any, error) {
	var (
		bound   []any
		badName string
	)
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		value, ok := c.placeholderValue(name, sub)
		if !ok {
			badName = name
			return m
		}
		bound = append(bound, value)
		return fmt.Sprintf("$%d", offset+len(bound))
	})
	if badName != "" {
		return "", nil, fmt.Errorf("%w: disallowed placeholder %q", ErrPolicyInvalid, badName)
	}
	return out, bound, nil
}

func (c *Composer) placeholderValue(name string, sub Subject) (any, bool) {
	switch name {
	case PlaceholderUserID:
		return sub.UserID, true
	case PlaceholderRole:
		return sub.Role, true
	case PlaceholderDepartment:
		return sub.Department, true
	case PlaceholderSessionID:
		return sub.SessionID, true
	case PlaceholderIPAddress:
		return sub.IPAddress, true
	case PlaceholderNow:
		return c.now().UTC(), true
	default:
		return nil, false
	}
}

func (c *Composer) policies(ctx context.Context, tenantID, table string, op Operation) ([]Policy, error) {
	key := strings.Join([]string{tenantID, table, string(op)}, "\x1f")
	if cached, ok := c.cache.Get(key); ok {
		obs.ObserveCache("hit")
		return cached, nil
	}
	obs.ObserveCache("miss")
	policies, err := c.store.PoliciesFor(ctx, tenantID, table, op)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, policies)
	return policies, nil
}

// CreatePolicy validates and persists a policy. Invalid templates are
// rejected synchronously with a specific diagnostic and never reach the
// store.
func (c *Composer) CreatePolicy(ctx context.Context, p Policy) (Policy, error) {
	if err := ValidatePolicy(p); err != nil {
		return Policy{}, err
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.IsActive = true
	if err := c.store.CreatePolicy(ctx, p); err != nil {
		return Policy{}, err
	}
	c.cache.Purge()
	c.sink.Record(ctx, audit.Entry{
		UserID:     p.UserID,
		TenantID:   p.TenantID,
		Resource:   p.TableName,
		ResourceID: p.ID,
		Action:     "row_level_policy.create",
		Granted:    true,
		Reason:     "row_level_policy.create",
		Context:    map[string]string{"operation": string(p.Operation), "policy_name": p.Name},
		CreatedAt:  c.now().UTC(),
	})
	return p, nil
}

// DeletePolicy removes a policy and invalidates the cache.
func (c *Composer) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	if err := c.store.DeletePolicy(ctx, tenantID, policyID); err != nil {
		return err
	}
	c.cache.Purge()
	c.sink.Record(ctx, audit.Entry{
		TenantID:   tenantID,
		ResourceID: policyID,
		Action:     "row_level_policy.delete",
		Granted:    true,
		Reason:     "row_level_policy.delete",
		CreatedAt:  c.now().UTC(),
	})
	return nil
}
