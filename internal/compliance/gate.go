package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
)

// DenyReason names the admission check that rejected a call.
type DenyReason string

const (
	DenyDisabled     DenyReason = "disabled"
	DenyDNC          DenyReason = "dnc"
	DenyOutsideHours DenyReason = "outside_hours"
	DenyDailyLimit   DenyReason = "daily_limit"
)

// Decision is the outcome of an admission-control evaluation. Denials are
// expected outcomes, not errors; Used/Limit are populated for daily_limit
// so callers can surface the counts.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Used    int
	Limit   int
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denying decision with the given reason.
func Deny(reason DenyReason) Decision {
	return Decision{Reason: reason}
}

// SettingsLookup resolves per-tenant outbound settings.
type SettingsLookup interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*domain.OutboundSettings, error)
}

// DNCLookup answers whether a destination is on the tenant's do-not-call list.
type DNCLookup interface {
	IsBlocked(ctx context.Context, tenantID uuid.UUID, phoneNumber string) (bool, error)
}

// DailyCounter counts call attempts for a tenant within [from, to). The
// exclude id removes the call currently under evaluation so a claimed row
// does not count against its own tenant budget.
type DailyCounter interface {
	CountAttempted(ctx context.Context, tenantID uuid.UUID, from, to time.Time, exclude uuid.UUID) (int, error)
}

// Gate performs the admission-control checks that decide whether an
// outbound call may proceed right now. All dependencies are injected so
// the gate is testable against fixture tenants.
type Gate struct {
	settings SettingsLookup
	dnc      DNCLookup
	counter  DailyCounter
}

// NewGate constructs a compliance gate.
func NewGate(settings SettingsLookup, dnc DNCLookup, counter DailyCounter) *Gate {
	return &Gate{settings: settings, dnc: dnc, counter: counter}
}

// Evaluate runs all checks in order, short-circuiting on the first denial:
// outbound enabled, not on the DNC list, within the tenant's calling hours,
// under the tenant's daily cap. It is run again at dispatch time because
// hours and counters can change between enqueue and the scheduled instant.
func (g *Gate) Evaluate(ctx context.Context, tenantID uuid.UUID, phoneNumber string, now time.Time, exclude uuid.UUID) (Decision, error) {
	settings, err := g.settings.Get(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("compliance: load settings: %w", err)
	}

	if !settings.Enabled {
		return Deny(DenyDisabled), nil
	}

	blocked, err := g.dnc.IsBlocked(ctx, tenantID, phoneNumber)
	if err != nil {
		return Decision{}, fmt.Errorf("compliance: dnc lookup: %w", err)
	}
	if blocked {
		return Deny(DenyDNC), nil
	}

	local := now.In(settings.Location())
	if !withinHours(settings, local) {
		return Deny(DenyOutsideHours), nil
	}

	if settings.DailyCallLimit > 0 {
		from, to := localDayBounds(settings, now)
		used, err := g.counter.CountAttempted(ctx, tenantID, from, to, exclude)
		if err != nil {
			return Decision{}, fmt.Errorf("compliance: daily count: %w", err)
		}
		if used >= settings.DailyCallLimit {
			d := Deny(DenyDailyLimit)
			d.Used = used
			d.Limit = settings.DailyCallLimit
			return d, nil
		}
	}

	return Allow(), nil
}

// Static runs only the wall-clock-independent checks (enabled + DNC). Used
// at enqueue time for immediate user feedback; hours and caps are left to
// dispatch-time evaluation.
func (g *Gate) Static(ctx context.Context, tenantID uuid.UUID, phoneNumber string) (Decision, error) {
	settings, err := g.settings.Get(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("compliance: load settings: %w", err)
	}
	if !settings.Enabled {
		return Deny(DenyDisabled), nil
	}

	blocked, err := g.dnc.IsBlocked(ctx, tenantID, phoneNumber)
	if err != nil {
		return Decision{}, fmt.Errorf("compliance: dnc lookup: %w", err)
	}
	if blocked {
		return Deny(DenyDNC), nil
	}

	return Allow(), nil
}

// NextEligibleAt computes when a call denied for the given reason should be
// retried: the start of the next calling-hours window for outside_hours, the
// start of the next tenant-local day for daily_limit. Re-queueing to a
// concrete future instant avoids re-denying the same row on every wake.
func (g *Gate) NextEligibleAt(ctx context.Context, tenantID uuid.UUID, reason DenyReason, now time.Time) (time.Time, error) {
	settings, err := g.settings.Get(ctx, tenantID)
	if err != nil {
		return time.Time{}, fmt.Errorf("compliance: load settings: %w", err)
	}

	loc := settings.Location()
	local := now.In(loc)

	switch reason {
	case DenyDailyLimit:
		// Budget reopens at the next local midnight. If that instant falls
		// outside calling hours the next evaluation pushes it again.
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		return midnight.UTC(), nil
	case DenyOutsideHours:
		return nextWindowStart(settings, local).UTC(), nil
	default:
		return now, nil
	}
}

// withinHours tests local time against [start, end) in minutes from
// midnight. A window whose end is not after its start spans midnight.
func withinHours(settings *domain.OutboundSettings, local time.Time) bool {
	start, end := settings.HoursStartMin, settings.HoursEndMin
	if start == end {
		// degenerate full-day window
		return true
	}

	minute := local.Hour()*60 + local.Minute()
	if end > start {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func nextWindowStart(settings *domain.OutboundSettings, local time.Time) time.Time {
	start := settings.HoursStartMin
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	opens := dayStart.Add(time.Duration(start) * time.Minute)
	if !opens.After(local) {
		opens = opens.AddDate(0, 0, 1)
	}
	return opens
}

// localDayBounds returns the tenant-local calendar day containing now,
// expressed in UTC for storage queries.
func localDayBounds(settings *domain.OutboundSettings, now time.Time) (time.Time, time.Time) {
	loc := settings.Location()
	local := now.In(loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return from.UTC(), from.AddDate(0, 0, 1).UTC()
}
