package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kwentura/kwentura/internal/storage"
	"github.com/kwentura/kwentura/internal/storage/memory"
)

var t0 = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func TestDecide(t *testing.T) {
	budget := 90 * time.Minute
	yesterday := t0.AddDate(0, 0, -1)

	tests := []struct {
		name          string
		now           time.Time
		snap          Snapshot
		wantState     State
		wantReason    RestReason
		wantMessage   string
		wantNext      Snapshot
		wantRemaining time.Duration
		wantCleared   bool
	}{
		{
			name:          "fresh profile starts full budget",
			now:           t0,
			wantState:     StateActive,
			wantNext:      Snapshot{WindowStart: t0},
			wantRemaining: budget,
		},
		{
			name:          "same day window counts elapsed",
			now:           t0.Add(30 * time.Minute),
			snap:          Snapshot{WindowStart: t0},
			wantState:     StateActive,
			wantNext:      Snapshot{WindowStart: t0},
			wantRemaining: 60 * time.Minute,
		},
		{
			name:        "budget spent on load",
			now:         t0.Add(100 * time.Minute),
			snap:        Snapshot{WindowStart: t0},
			wantState:   StateResting,
			wantReason:  ReasonBudget,
			wantMessage: MessageRestStarted,
			wantNext:    Snapshot{WindowStart: t0, RestMarker: t0.Add(100 * time.Minute)},
		},
		{
			name:        "exactly at budget rests",
			now:         t0.Add(budget),
			snap:        Snapshot{WindowStart: t0},
			wantState:   StateResting,
			wantReason:  ReasonBudget,
			wantMessage: MessageRestStarted,
			wantNext:    Snapshot{WindowStart: t0, RestMarker: t0.Add(budget)},
		},
		{
			name:        "marker from today keeps resting",
			now:         t0.Add(3 * time.Hour),
			snap:        Snapshot{WindowStart: t0, RestMarker: t0.Add(budget)},
			wantState:   StateResting,
			wantReason:  ReasonResumed,
			wantMessage: MessageStillResting,
			wantNext:    Snapshot{WindowStart: t0, RestMarker: t0.Add(budget)},
		},
		{
			name:        "future marker keeps resting",
			now:         t0,
			snap:        Snapshot{RestMarker: t0.AddDate(0, 0, 2)},
			wantState:   StateResting,
			wantReason:  ReasonResumed,
			wantMessage: MessageStillResting,
			wantNext:    Snapshot{RestMarker: t0.AddDate(0, 0, 2)},
		},
		{
			name:          "marker from yesterday clears both keys",
			now:           t0,
			snap:          Snapshot{WindowStart: yesterday, RestMarker: yesterday.Add(budget)},
			wantState:     StateActive,
			wantNext:      Snapshot{WindowStart: t0},
			wantRemaining: budget,
			wantCleared:   true,
		},
		{
			name:          "window from yesterday resets",
			now:           t0,
			snap:          Snapshot{WindowStart: yesterday},
			wantState:     StateActive,
			wantNext:      Snapshot{WindowStart: t0},
			wantRemaining: budget,
		},
		{
			name:          "window later today counts as zero elapsed",
			now:           t0,
			snap:          Snapshot{WindowStart: t0.Add(time.Hour)},
			wantState:     StateActive,
			wantNext:      Snapshot{WindowStart: t0.Add(time.Hour)},
			wantRemaining: budget,
		},
		{
			name:          "unparseable marker is stale",
			now:           t0,
			snap:          Snapshot{WindowStart: t0.Add(-time.Hour), MarkerInvalid: true},
			wantState:     StateActive,
			wantNext:      Snapshot{WindowStart: t0},
			wantRemaining: budget,
			wantCleared:   true,
		},
		{
			name:          "unparseable window resets",
			now:           t0,
			snap:          Snapshot{WindowInvalid: true},
			wantState:     StateActive,
			wantNext:      Snapshot{WindowStart: t0},
			wantRemaining: budget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Decide(tt.now, tt.snap, budget, time.UTC)

			if plan.State != tt.wantState {
				t.Errorf("State = %v, want %v", plan.State, tt.wantState)
			}
			if plan.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", plan.Reason, tt.wantReason)
			}
			if plan.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", plan.Message, tt.wantMessage)
			}
			if plan.Next != tt.wantNext {
				t.Errorf("Next = %+v, want %+v", plan.Next, tt.wantNext)
			}
			if plan.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %v, want %v", plan.Remaining, tt.wantRemaining)
			}
			if plan.ClearedStale != tt.wantCleared {
				t.Errorf("ClearedStale = %v, want %v", plan.ClearedStale, tt.wantCleared)
			}
		})
	}
}

func TestDecideUsesLocation(t *testing.T) {
	manila, err := time.LoadLocation("Asia/Manila")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 15:30 UTC on the 18th is 23:30 on the 18th in Manila; 16:30 UTC is
	// 00:30 on the 19th there while UTC is still on the 18th.
	marker := time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC)
	now := time.Date(2026, 10, 18, 16, 30, 0, 0, time.UTC)
	snap := Snapshot{RestMarker: marker}

	if plan := Decide(now, snap, time.Hour, time.UTC); plan.State != StateResting {
		t.Errorf("UTC: State = %v, want resting", plan.State)
	}
	if plan := Decide(now, snap, time.Hour, manila); plan.State != StateActive {
		t.Errorf("Manila: State = %v, want active", plan.State)
	}
}

func TestSnapshotPhase(t *testing.T) {
	tests := []struct {
		snap Snapshot
		want Phase
	}{
		{Snapshot{}, PhaseFresh},
		{Snapshot{WindowStart: t0}, PhaseActiveSince},
		{Snapshot{WindowInvalid: true}, PhaseActiveSince},
		{Snapshot{WindowStart: t0, RestMarker: t0}, PhaseRestingSince},
		{Snapshot{MarkerInvalid: true}, PhaseRestingSince},
	}

	for _, tt := range tests {
		if got := tt.snap.Phase(); got != tt.want {
			t.Errorf("%+v.Phase() = %v, want %v", tt.snap, got, tt.want)
		}
	}
}

func TestOps(t *testing.T) {
	window := storage.UsageWindowKey("kid")
	marker := storage.RestMarkerKey("kid")

	tests := []struct {
		name string
		prev Snapshot
		next Snapshot
		want []storage.Op
	}{
		{
			name: "unchanged",
			prev: Snapshot{WindowStart: t0},
			next: Snapshot{WindowStart: t0},
		},
		{
			name: "new window",
			next: Snapshot{WindowStart: t0},
			want: []storage.Op{storage.SetOp(window, "2026-10-19T08:00:00.000Z")},
		},
		{
			name: "clear stale day",
			prev: Snapshot{WindowStart: t0.AddDate(0, 0, -1), RestMarker: t0.AddDate(0, 0, -1)},
			next: Snapshot{WindowStart: t0},
			want: []storage.Op{
				storage.SetOp(window, "2026-10-19T08:00:00.000Z"),
				storage.DeleteOp(marker),
			},
		},
		{
			name: "rest entry",
			prev: Snapshot{WindowStart: t0},
			next: Snapshot{WindowStart: t0, RestMarker: t0.Add(90 * time.Minute)},
			want: []storage.Op{storage.SetOp(marker, "2026-10-19T09:30:00.000Z")},
		},
		{
			name: "invalid marker removed",
			prev: Snapshot{MarkerInvalid: true},
			next: Snapshot{WindowStart: t0},
			want: []storage.Op{
				storage.SetOp(window, "2026-10-19T08:00:00.000Z"),
				storage.DeleteOp(marker),
			},
		},
		{
			name: "invalid window left alone while resting",
			prev: Snapshot{WindowInvalid: true, RestMarker: t0},
			next: Snapshot{WindowInvalid: true, RestMarker: t0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ops("kid", tt.prev, tt.next)
			if len(got) != len(tt.want) {
				t.Fatalf("Ops() = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("op %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 19, 16, 45, 12, 345_000_000, time.FixedZone("PHT", 8*3600))

	formatted := FormatTimestamp(at)
	if formatted != "2026-10-19T08:45:12.345Z" {
		t.Errorf("FormatTimestamp() = %q", formatted)
	}

	parsed, err := ParseTimestamp(formatted)
	if err != nil {
		t.Fatalf("ParseTimestamp() error = %v", err)
	}
	if !parsed.Equal(at) {
		t.Errorf("ParseTimestamp() = %v, want %v", parsed, at)
	}

	if _, err := ParseTimestamp("not a time"); err == nil {
		t.Error("ParseTimestamp() expected error for garbage")
	}
}

func TestReadSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := memory.Open()

	snap, err := ReadSnapshot(ctx, kv, "kid")
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if snap.Phase() != PhaseFresh {
		t.Errorf("Phase() = %v, want fresh", snap.Phase())
	}

	if err := kv.Set(ctx, storage.UsageWindowKey("kid"), FormatTimestamp(t0)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := kv.Set(ctx, storage.RestMarkerKey("kid"), "not a time"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	snap, err = ReadSnapshot(ctx, kv, "kid")
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if !snap.WindowStart.Equal(t0) {
		t.Errorf("WindowStart = %v, want %v", snap.WindowStart, t0)
	}
	if !snap.MarkerInvalid || snap.Phase() != PhaseRestingSince {
		t.Errorf("MarkerInvalid/Phase = %v/%v, want true/resting_since", snap.MarkerInvalid, snap.Phase())
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := ReadSnapshot(cancelled, kv, "kid"); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadSnapshot() error = %v, want context.Canceled", err)
	}
}
