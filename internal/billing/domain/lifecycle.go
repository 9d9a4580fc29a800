package domain

import "time"

const day = 24 * time.Hour

// Transition returns the destination of ev from the given status. A false result
// means the event does not apply and must leave the state untouched. Canceled is
// terminal, and an event whose destination equals the source is also a no-op so
// that replaying an applied event changes nothing.
func Transition(from Status, ev Event) (Status, bool) {
	if from == StatusCanceled {
		return from, false
	}

	var to Status
	switch ev {
	case EventPaymentFailed:
		if from != StatusActive {
			return from, false
		}
		to = StatusPastDue
	case EventPaymentRestored:
		switch from {
		case StatusPastDue, StatusGrace, StatusSuspended:
			to = StatusActive
		default:
			return from, false
		}
	case EventTrialStarted:
		to = StatusTrialing
	case EventTrialEnded:
		if from != StatusTrialing {
			return from, false
		}
		to = StatusActive
	case EventManualSuspend:
		to = StatusSuspended
	case EventManualUnsuspend:
		if from != StatusSuspended {
			return from, false
		}
		to = StatusActive
	case EventCancel:
		to = StatusCanceled
	default:
		return from, false
	}

	if to == from {
		return from, false
	}
	return to, true
}

// Derive applies the elapsed-time transitions to a stored lifecycle:
// past_due becomes grace once the grace window has run out since PastDueSince,
// and grace becomes suspended suspendAfterGraceDays later.
func Derive(l Lifecycle, now time.Time, suspendAfterGraceDays int) Status {
	if l.Status != StatusPastDue && l.Status != StatusGrace {
		return l.Status
	}
	if l.PastDueSince == nil {
		return l.Status
	}

	graceAt := l.PastDueSince.Add(time.Duration(l.GraceWindowDays) * day)
	suspendAt := graceAt.Add(time.Duration(suspendAfterGraceDays) * day)
	switch {
	case !now.Before(suspendAt):
		return StatusSuspended
	case !now.Before(graceAt):
		return StatusGrace
	default:
		return l.Status
	}
}

type ApplyOptions struct {
	Now                   time.Time
	SuspendAfterGraceDays int
	DefaultTrialDays      int
	GraceWindowDays       *int
}

// Apply validates ev against the derived status and returns the lifecycle to persist.
// from is the derived status the event was evaluated against.
func Apply(l Lifecycle, ev Event, opts ApplyOptions) (next Lifecycle, from Status, ok bool) {
	now := opts.Now.UTC()
	from = Derive(l, now, opts.SuspendAfterGraceDays)
	to, ok := Transition(from, ev)
	if !ok {
		return l, from, false
	}

	next = l
	next.Status = to
	next.StatusChangedAt = now
	switch ev {
	case EventPaymentFailed:
		next.PastDueSince = &now
	case EventPaymentRestored, EventManualUnsuspend, EventTrialEnded:
		next.PastDueSince = nil
	case EventTrialStarted:
		trialEnds := now.Add(time.Duration(opts.DefaultTrialDays) * day)
		next.TrialEndsAt = &trialEnds
	}
	if opts.GraceWindowDays != nil {
		next.GraceWindowDays = *opts.GraceWindowDays
	}
	return next, from, true
}
