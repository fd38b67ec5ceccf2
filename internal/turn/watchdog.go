package turn

import "time"

const (
	// DefaultCheckInterval is how often the silence watchdog looks at the
	// time since the last activity.
	DefaultCheckInterval = time.Second

	// DefaultSilenceTimeout is the stretch of silence that triggers one
	// escalation step.
	DefaultSilenceTimeout = 18 * time.Second
)

// SilenceState is the escalation level of a [Watchdog].
type SilenceState int

const (
	// SilenceActive means speech was observed within the timeout.
	SilenceActive SilenceState = iota

	// SilenceWarned means one timeout passed and the user was asked whether
	// they are still there.
	SilenceWarned

	// SilenceTerminated means a second timeout passed without activity. The
	// state is final.
	SilenceTerminated
)

// String returns the lower-case name used in logs and metric attributes.
func (s SilenceState) String() string {
	switch s {
	case SilenceActive:
		return "active"
	case SilenceWarned:
		return "warned"
	case SilenceTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Watchdog tracks user inactivity and escalates in two steps: a check-in
// notice, then termination. It holds no timer of its own; the owning session
// calls Check on every tick and Activity whenever speech arrives, always from
// the same goroutine.
type Watchdog struct {
	timeout      time.Duration
	lastActivity time.Time
	state        SilenceState
}

// NewWatchdog returns a Watchdog in [SilenceActive] whose reference time is
// now.
func NewWatchdog(timeout time.Duration, now time.Time) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &Watchdog{timeout: timeout, lastActivity: now}
}

// Activity records observed speech. It returns the watchdog to
// [SilenceActive] and restarts the timeout window. Activity after
// termination is ignored.
func (w *Watchdog) Activity(now time.Time) {
	if w.state == SilenceTerminated {
		return
	}
	w.state = SilenceActive
	w.lastActivity = now
}

// Check compares now against the last activity. When the timeout has
// elapsed it advances one escalation step and reports the new state with
// escalated set to true.
func (w *Watchdog) Check(now time.Time) (state SilenceState, escalated bool) {
	if w.state == SilenceTerminated || now.Sub(w.lastActivity) < w.timeout {
		return w.state, false
	}
	switch w.state {
	case SilenceActive:
		w.state = SilenceWarned
		// The next window starts from the warning.
		w.lastActivity = now
	case SilenceWarned:
		w.state = SilenceTerminated
	}
	return w.state, true
}

// State returns the current escalation level.
func (w *Watchdog) State() SilenceState { return w.state }

// LastActivity returns the reference time of the current window.
func (w *Watchdog) LastActivity() time.Time { return w.lastActivity }
