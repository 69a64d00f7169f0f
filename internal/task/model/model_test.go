package model

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSucceeded, false},
		{StatusRunning, StatusRetrying, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusRetrying, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusSets(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCancelled} {
		if !s.Terminal() || s.Open() {
			t.Fatalf("%s should be terminal and closed", s)
		}
	}
	if StatusRetrying.Terminal() || StatusRetrying.Open() {
		t.Fatalf("RETRYING should be closed but not terminal")
	}
	if !StatusPending.Open() || !StatusRunning.Open() {
		t.Fatalf("PENDING and RUNNING should be open")
	}
}

func TestJobExhausted(t *testing.T) {
	t.Parallel()

	j := Job{MaxRuns: 2, RunCount: 1}
	if j.Exhausted() {
		t.Fatalf("job with 1/2 runs exhausted")
	}
	j.RunCount = 2
	if !j.Exhausted() {
		t.Fatalf("job with 2/2 runs not exhausted")
	}
	j = Job{MaxFailures: 3, ConsecutiveFailures: 3}
	if !j.Exhausted() {
		t.Fatalf("job at failure limit not exhausted")
	}
}
