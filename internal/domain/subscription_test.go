package domain

import (
	"testing"
	"time"
)

func TestPricePerSeat(t *testing.T) {
	cases := []struct {
		name      string
		total     int64
		seats     int
		hostSeat  bool
		wantCents int64
	}{
		{"host occupies a seat", 1799, 5, true, 450},
		{"host does not occupy", 1799, 5, false, 360},
		{"only the host seat", 1799, 1, true, 0},
		{"rounds half up", 1000, 3, false, 333},
		{"exact split", 2000, 4, false, 500},
		{"zero total", 0, 4, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PricePerSeat(tc.total, tc.seats, tc.hostSeat); got != tc.wantCents {
				t.Fatalf("PricePerSeat(%d, %d, %v) = %d, want %d", tc.total, tc.seats, tc.hostSeat, got, tc.wantCents)
			}
		})
	}
}

func TestAddMonthsClamped(t *testing.T) {
	jan31 := time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		months int
		want   string
	}{
		{1, "2026-02-28"},
		{2, "2026-03-31"},
		{13, "2027-02-28"},
		{25, "2028-02-29"},
	}
	for _, tc := range cases {
		if got := AddMonthsClamped(jan31, tc.months).Format("2006-01-02"); got != tc.want {
			t.Errorf("AddMonthsClamped(jan31, %d) = %s, want %s", tc.months, got, tc.want)
		}
	}
}

func TestCycleContaining(t *testing.T) {
	anchor := time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		period    Periodicity
		day       time.Time
		wantStart string
		wantEnd   string
	}{
		{"first cycle", PeriodMonthly, time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC), "2026-01-31", "2026-02-28"},
		{"clamped boundary", PeriodMonthly, time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC), "2026-02-28", "2026-03-31"},
		{"before anchor", PeriodMonthly, time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC), "2026-01-31", "2026-02-28"},
		{"quarterly", PeriodQuarterly, time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC), "2026-04-30", "2026-07-31"},
		{"annual", PeriodAnnual, time.Date(2028, time.March, 1, 0, 0, 0, 0, time.UTC), "2028-01-31", "2029-01-31"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := tc.period.CycleContaining(anchor, tc.day)
			if start.Format("2006-01-02") != tc.wantStart || end.Format("2006-01-02") != tc.wantEnd {
				t.Fatalf("got [%s, %s), want [%s, %s)", start.Format("2006-01-02"), end.Format("2006-01-02"), tc.wantStart, tc.wantEnd)
			}
		})
	}
}

func TestParsePeriodicity(t *testing.T) {
	if p, err := ParsePeriodicity(" semiannual "); err != nil || p != PeriodSemiannual {
		t.Fatalf("expected SEMIANNUAL, got %q err=%v", p, err)
	}
	if _, err := ParsePeriodicity("weekly"); err == nil {
		t.Fatal("expected an error for an unknown periodicity")
	}
}

func TestSubscriptionTransitions(t *testing.T) {
	if !SubscriptionPaused.CanTransitionTo(SubscriptionActive) {
		t.Error("paused subscriptions must be reactivatable")
	}
	if SubscriptionActive.CanTransitionTo(SubscriptionActive) {
		t.Error("active -> active is not a transition")
	}
	for _, next := range []SubscriptionState{SubscriptionActive, SubscriptionPaused, SubscriptionCancelled} {
		if SubscriptionCancelled.CanTransitionTo(next) {
			t.Errorf("cancelled subscription moved to %s", next)
		}
	}
}

func TestSummarize(t *testing.T) {
	user := int64(7)
	got := Summarize([]Seat{
		{State: SeatOccupied, UserID: &user},
		{State: SeatAvailable},
		{State: SeatAvailable},
		{State: SeatBlocked},
	})
	want := SeatSummary{Total: 4, Available: 2, Occupied: 1, Blocked: 1}
	if got != want {
		t.Fatalf("Summarize = %+v, want %+v", got, want)
	}
}
