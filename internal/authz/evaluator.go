package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nmatss/servicedesk-core/internal/audit"
	"github.com/nmatss/servicedesk-core/internal/obs"
)

const (
	defaultStoreTimeout = 3 * time.Second

	// maxInheritanceDepth bounds parent-chain walks. The hierarchy is fixed
	// (comment -> ticket -> category) so anything deeper indicates bad data.
	maxInheritanceDepth = 4
)

// Evaluator answers "may this subject perform this action on this resource"
// with a fail-closed default. Every check appends exactly one audit entry.
type Evaluator struct {
	store   Store
	sink    audit.Sink
	cache   *PermissionCache
	sources []PermissionSource
	now     func() time.Time
	timeout time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source (useful for expiry tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Evaluator) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithCache enables the read-through permission cache.
func WithCache(cache *PermissionCache) Option {
	return func(e *Evaluator) { e.cache = cache }
}

// WithPermissionSource unions an additional dynamic permission source into
// role-derived evaluation.
func WithPermissionSource(src PermissionSource) Option {
	return func(e *Evaluator) {
		if src != nil {
			e.sources = append(e.sources, src)
		}
	}
}

// WithStoreTimeout bounds every persistence call made during a check.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEvaluator constructs an Evaluator over the given store and audit sink.
func NewEvaluator(store Store, sink audit.Sink, opts ...Option) (*Evaluator, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	if sink == nil {
		return nil, errors.New("authz: audit sink is required")
	}
	e := &Evaluator{
		store:   store,
		sink:    sink,
		now:     time.Now,
		timeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CheckPermission evaluates, in strict order: direct resource grant,
// inherited grant via the resource hierarchy, role-derived permissions
// (including dynamic sources), then deny. Storage failure denies with
// reason evaluation_error; it never surfaces as a grant.
func (e *Evaluator) CheckPermission(ctx context.Context, req CheckRequest) (Decision, error) {
	if err := validateCheckRequest(req); err != nil {
		return Decision{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	decision := e.evaluate(ctx, req, true)
	e.recordDecision(ctx, req, decision)
	return decision, nil
}

// CheckResourcePermission evaluates only the direct and inherited stages,
// ignoring role membership. Used for share-style per-instance access.
func (e *Evaluator) CheckResourcePermission(ctx context.Context, req CheckRequest) (Decision, error) {
	if err := validateCheckRequest(req); err != nil {
		return Decision{}, err
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		return Decision{}, fmt.Errorf("%w: resource id is required for a resource permission check", ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	decision := e.evaluate(ctx, req, false)
	e.recordDecision(ctx, req, decision)
	return decision, nil
}

func (e *Evaluator) evaluate(ctx context.Context, req CheckRequest, includeRoles bool) Decision {
	if req.ResourceID != "" {
		decision, failed := e.evaluateDirect(ctx, req)
		if failed {
			return Decision{Granted: false, Reason: ReasonEvaluationError}
		}
		if decision.Granted {
			return decision
		}
	}
	if !includeRoles {
		return Decision{Granted: false, Reason: ReasonPermissionDenied}
	}

	granted, failed := e.evaluateRoles(ctx, req)
	if failed {
		return Decision{Granted: false, Reason: ReasonEvaluationError}
	}
	if granted {
		return Decision{Granted: true, Reason: ReasonRolePermission}
	}
	return Decision{Granted: false, Reason: ReasonPermissionDenied}
}

// evaluateDirect checks the exact resource instance, then walks the parent
// chain: a grant on the parent authorizes the child.
func (e *Evaluator) evaluateDirect(ctx context.Context, req CheckRequest) (Decision, bool) {
	resource, resourceID := req.Resource, req.ResourceID
	for depth := 0; depth < maxInheritanceDepth; depth++ {
		grant, err := e.store.DirectGrant(ctx, req.TenantID, req.UserID, resource, resourceID, req.Action)
		switch {
		case err == nil:
			if e.grantUsable(grant, req.Context) {
				if depth == 0 {
					return Decision{Granted: true, Reason: ReasonDirectPermission}, false
				}
				return Decision{Granted: true, Reason: ReasonInheritedPermission}, false
			}
		case errors.Is(err, ErrNotFound):
			// fall through to the parent
		default:
			return Decision{}, true
		}

		parentResource, parentID, err := e.store.ResolveParent(ctx, req.TenantID, resource, resourceID)
		if errors.Is(err, ErrNotFound) {
			return Decision{Granted: false, Reason: ReasonPermissionDenied}, false
		}
		if err != nil {
			return Decision{}, true
		}
		resource, resourceID = parentResource, parentID
	}
	return Decision{Granted: false, Reason: ReasonPermissionDenied}, false
}

func (e *Evaluator) grantUsable(grant *ResourcePermission, reqCtx map[string]string) bool {
	if grant == nil || !grant.IsActive {
		return false
	}
	if grant.ExpiresAt != nil && !grant.ExpiresAt.After(e.now()) {
		return false
	}
	return grant.Conditions.Match(reqCtx)
}

func (e *Evaluator) evaluateRoles(ctx context.Context, req CheckRequest) (granted bool, failed bool) {
	roleIDs, err := e.activeRoleIDs(ctx, req.TenantID, req.UserID)
	if err != nil {
		return false, true
	}

	var perms []Permission
	if len(roleIDs) > 0 {
		perms, err = e.rolePermissions(ctx, req, roleIDs)
		if err != nil {
			return false, true
		}
	}
	for _, src := range e.sources {
		extra, err := src.Grants(ctx, req, e.now())
		if err != nil {
			// A broken dynamic source cannot widen nor narrow static grants;
			// skip it and keep evaluating.
			continue
		}
		perms = append(perms, extra...)
	}

	for _, perm := range perms {
		if perm.Conditions.Match(req.Context) {
			return true, false
		}
	}
	return false, false
}

func (e *Evaluator) activeRoleIDs(ctx context.Context, tenantID, userID string) ([]string, error) {
	assignments, err := e.store.RoleAssignments(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var roleIDs []string
	for _, a := range assignments {
		if !a.IsActive {
			continue
		}
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			continue
		}
		roleIDs = append(roleIDs, a.RoleID)
	}
	return roleIDs, nil
}

// rolePermissions resolves the union of matching permissions across the
// user's roles, read-through the cache. A role with no matching permissions
// caches an empty slice so repeated denials stay cheap.
func (e *Evaluator) rolePermissions(ctx context.Context, req CheckRequest, roleIDs []string) ([]Permission, error) {
	var perms []Permission
	for _, roleID := range roleIDs {
		key := cacheKey(req.TenantID, roleID, req.Resource, req.Action)
		if cached, ok := e.cache.get(key); ok {
			perms = append(perms, cached...)
			continue
		}
		fetched, err := e.store.RolePermissions(ctx, req.TenantID, roleID, req.Resource, req.Action)
		if err != nil {
			return nil, err
		}
		e.cache.add(key, fetched)
		perms = append(perms, fetched...)
	}
	return perms, nil
}

func (e *Evaluator) recordDecision(ctx context.Context, req CheckRequest, decision Decision) {
	obs.ObserveDecision(string(decision.Reason), decision.Granted)
	e.sink.Record(ctx, audit.Entry{
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		Action:     req.Action,
		Granted:    decision.Granted,
		Reason:     string(decision.Reason),
		Context:    req.Context,
		CreatedAt:  e.now().UTC(),
	})
}

func validateCheckRequest(req CheckRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	case strings.TrimSpace(req.TenantID) == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	case strings.TrimSpace(req.Resource) == "":
		return fmt.Errorf("%w: resource is required", ErrInvalidInput)
	case strings.TrimSpace(req.Action) == "":
		return fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	return nil
}
