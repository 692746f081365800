package tokens

import "time"

// DefaultZoneName is the reference timezone used for daily refill boundaries.
// Refills happen once per calendar day in this zone, not once per 24 elapsed
// hours.
const DefaultZoneName = "Asia/Seoul"

// Clock supplies the current instant. All refill and expiry arithmetic runs
// against an injected clock so behaviour is deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// ComputeRefill returns how many tokens the daily refill adds. The anchor is
// last_refill_at when set, otherwise created_at. Each elapsed calendar day in
// zone contributes one token, and the balance never exceeds autoCap through
// this path. Zero elapsed days always yields zero, regardless of cap gap.
//
// Pure function: safe to call with any fixed instants.
func ComputeRefill(anchor, createdAt, now time.Time, tokens, autoCap int, zone *time.Location) int {
	if anchor.IsZero() {
		anchor = createdAt
	}
	if anchor.IsZero() || now.IsZero() {
		return 0
	}
	days := elapsedCalendarDays(anchor, now, zone)
	if days <= 0 {
		return 0
	}
	gap := autoCap - tokens
	if gap <= 0 {
		return 0
	}
	if days < gap {
		return days
	}
	return gap
}

// elapsedCalendarDays counts whole calendar-day boundaries crossed between
// from and to, evaluated in zone. Negative spans clamp to zero.
func elapsedCalendarDays(from, to time.Time, zone *time.Location) int {
	if zone == nil {
		zone = time.UTC
	}
	fy, fm, fd := from.In(zone).Date()
	ty, tm, td := to.In(zone).Date()
	// Re-anchor both civil dates at UTC midnight so the difference is an exact
	// multiple of 24h even across DST transitions in zone.
	start := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	days := int(end.Sub(start) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}
