package authz

import (
	"context"
	"time"
)

// PermissionSource supplies permissions beyond the persisted catalog. Sources
// are unioned into role-derived evaluation before the final decision; they
// can widen access but never replace the default-deny outcome.
type PermissionSource interface {
	Grants(ctx context.Context, req CheckRequest, now time.Time) ([]Permission, error)
}

// TimeWindowGrant describes a permission that only exists inside a recurring
// weekly window, e.g. business-hours-only approvals.
type TimeWindowGrant struct {
	TenantID   string
	Resource   string
	Action     string
	Days       []time.Weekday
	StartHour  int // inclusive, 0-23
	EndHour    int // exclusive, 1-24
	Conditions Conditions
}

func (g TimeWindowGrant) active(now time.Time) bool {
	if len(g.Days) > 0 {
		match := false
		for _, d := range g.Days {
			if now.Weekday() == d {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	hour := now.Hour()
	return hour >= g.StartHour && hour < g.EndHour
}

// TimeWindowSource grants time-scoped permissions. The window is evaluated
// against the evaluator's clock so expiry is testable.
type TimeWindowSource struct {
	grants []TimeWindowGrant
}

// NewTimeWindowSource builds a source from a static grant list.
func NewTimeWindowSource(grants ...TimeWindowGrant) *TimeWindowSource {
	return &TimeWindowSource{grants: grants}
}

var _ PermissionSource = (*TimeWindowSource)(nil)

func (s *TimeWindowSource) Grants(_ context.Context, req CheckRequest, now time.Time) ([]Permission, error) {
	var perms []Permission
	for _, g := range s.grants {
		if g.TenantID != req.TenantID || g.Resource != req.Resource || g.Action != req.Action {
			continue
		}
		if !g.active(now) {
			continue
		}
		perms = append(perms, Permission{
			TenantID:   g.TenantID,
			Resource:   g.Resource,
			Action:     g.Action,
			Conditions: g.Conditions,
		})
	}
	return perms, nil
}
