package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []Status{StatusTrialing, StatusActive, StatusPastDue, StatusGrace, StatusSuspended, StatusCanceled}

var allEvents = []Event{
	EventPaymentFailed, EventPaymentRestored, EventTrialStarted, EventTrialEnded,
	EventManualSuspend, EventManualUnsuspend, EventCancel,
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from Status
		ev   Event
		to   Status
		ok   bool
	}{
		{StatusActive, EventPaymentFailed, StatusPastDue, true},
		{StatusTrialing, EventPaymentFailed, StatusTrialing, false},
		{StatusPastDue, EventPaymentRestored, StatusActive, true},
		{StatusGrace, EventPaymentRestored, StatusActive, true},
		{StatusSuspended, EventPaymentRestored, StatusActive, true},
		{StatusActive, EventPaymentRestored, StatusActive, false},
		{StatusActive, EventTrialStarted, StatusTrialing, true},
		{StatusSuspended, EventTrialStarted, StatusTrialing, true},
		{StatusTrialing, EventTrialStarted, StatusTrialing, false},
		{StatusTrialing, EventTrialEnded, StatusActive, true},
		{StatusActive, EventTrialEnded, StatusActive, false},
		{StatusGrace, EventManualSuspend, StatusSuspended, true},
		{StatusSuspended, EventManualSuspend, StatusSuspended, false},
		{StatusSuspended, EventManualUnsuspend, StatusActive, true},
		{StatusPastDue, EventManualUnsuspend, StatusPastDue, false},
		{StatusTrialing, EventCancel, StatusCanceled, true},
		{StatusSuspended, EventCancel, StatusCanceled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			to, ok := Transition(tt.from, tt.ev)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.to, to)
		})
	}
}

func TestCancelReachableFromEveryLiveStatusAndTerminal(t *testing.T) {
	for _, from := range allStatuses {
		if from == StatusCanceled {
			continue
		}
		to, ok := Transition(from, EventCancel)
		assert.True(t, ok, from)
		assert.Equal(t, StatusCanceled, to)
	}
	for _, ev := range allEvents {
		to, ok := Transition(StatusCanceled, ev)
		assert.False(t, ok, ev)
		assert.Equal(t, StatusCanceled, to)
	}
}

func TestReplayingAppliedEventIsNoop(t *testing.T) {
	for _, from := range allStatuses {
		for _, ev := range allEvents {
			to, ok := Transition(from, ev)
			if !ok {
				continue
			}
			_, again := Transition(to, ev)
			assert.False(t, again, "%s then %s twice", from, ev)
		}
	}
}

func TestDeriveElapsedTransitions(t *testing.T) {
	since := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	l := Lifecycle{Status: StatusPastDue, PastDueSince: &since, GraceWindowDays: 3}

	assert.Equal(t, StatusPastDue, Derive(l, since.Add(72*time.Hour-time.Second), 7))
	assert.Equal(t, StatusGrace, Derive(l, since.Add(72*time.Hour), 7))
	assert.Equal(t, StatusGrace, Derive(l, since.Add(10*24*time.Hour-time.Second), 7))
	assert.Equal(t, StatusSuspended, Derive(l, since.Add(10*24*time.Hour), 7))
	assert.Equal(t, StatusSuspended, Derive(l, since.Add(72*time.Hour), 0), "zero suspend delay escalates immediately")

	persisted := Lifecycle{Status: StatusGrace, PastDueSince: &since, GraceWindowDays: 3}
	assert.Equal(t, StatusGrace, Derive(persisted, since, 7), "a persisted grace status never moves backwards")

	active := Lifecycle{Status: StatusActive}
	assert.Equal(t, StatusActive, Derive(active, since.Add(1000*time.Hour), 7))
}

func TestApplyRecordsTimestamps(t *testing.T) {
	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	grace := 5

	next, from, ok := Apply(Lifecycle{Status: StatusActive, GraceWindowDays: 3}, EventPaymentFailed, ApplyOptions{Now: now, GraceWindowDays: &grace})
	assert.True(t, ok)
	assert.Equal(t, StatusActive, from)
	assert.Equal(t, StatusPastDue, next.Status)
	assert.Equal(t, now, next.StatusChangedAt)
	if assert.NotNil(t, next.PastDueSince) {
		assert.Equal(t, now, *next.PastDueSince)
	}
	assert.Equal(t, 5, next.GraceWindowDays)

	later := now.Add(6 * 24 * time.Hour)
	restored, from, ok := Apply(next, EventPaymentRestored, ApplyOptions{Now: later, SuspendAfterGraceDays: 7})
	assert.True(t, ok)
	assert.Equal(t, StatusGrace, from, "events validate against the derived status")
	assert.Equal(t, StatusActive, restored.Status)
	assert.Nil(t, restored.PastDueSince)

	trial, _, ok := Apply(Lifecycle{Status: StatusActive}, EventTrialStarted, ApplyOptions{Now: now, DefaultTrialDays: 14})
	assert.True(t, ok)
	if assert.NotNil(t, trial.TrialEndsAt) {
		assert.Equal(t, now.Add(14*24*time.Hour), *trial.TrialEndsAt)
	}

	unchanged, _, ok := Apply(trial, EventTrialStarted, ApplyOptions{Now: later, GraceWindowDays: &grace})
	assert.False(t, ok)
	assert.Equal(t, trial, unchanged, "a no-op leaves the stored lifecycle untouched")
}
