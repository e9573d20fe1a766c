package limiter

import "time"

// Plan is the outcome of a load decision.
type Plan struct {
	State   State
	Reason  RestReason
	Message string
	// Next is the snapshot to persist.
	Next Snapshot
	// Elapsed is the usage counted against today's budget.
	Elapsed time.Duration
	// Remaining is the expiration to arm when State is StateActive.
	Remaining time.Duration
	// ClearedStale is set when a rest marker from an earlier day was dropped.
	ClearedStale bool
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// Decide runs the load sequence against a snapshot without side effects.
func Decide(now time.Time, snap Snapshot, budget time.Duration, loc *time.Location) Plan {
	cleared := false

	if snap.hasMarker() {
		// A marker that is still in the future keeps rest as well. Markers are
		// always written with the current time so this only matters for
		// markers written by other tools or clocks.
		if !snap.MarkerInvalid && (SameDay(snap.RestMarker, now, loc) || snap.RestMarker.After(now)) {
			return Plan{
				State:   StateResting,
				Reason:  ReasonResumed,
				Message: MessageStillResting,
				Next:    snap,
			}
		}
		snap = Snapshot{}
		cleared = true
	}

	window := snap.WindowStart
	var elapsed time.Duration
	if snap.WindowInvalid || window.IsZero() || !SameDay(window, now, loc) {
		window = now
	} else if elapsed = now.Sub(window); elapsed < 0 {
		elapsed = 0
	}

	next := Snapshot{WindowStart: window}

	if elapsed >= budget {
		next.RestMarker = now
		return Plan{
			State:        StateResting,
			Reason:       ReasonBudget,
			Message:      MessageRestStarted,
			Next:         next,
			Elapsed:      elapsed,
			ClearedStale: cleared,
		}
	}

	return Plan{
		State:        StateActive,
		Next:         next,
		Elapsed:      elapsed,
		Remaining:    budget - elapsed,
		ClearedStale: cleared,
	}
}
