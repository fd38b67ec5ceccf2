package turn

import "time"

// DefaultDebounceWindow is the quiet period a final signal must survive
// before its utterance is committed.
const DefaultDebounceWindow = time.Second

// Debouncer coalesces bursts of final signals into one commit. Only the most
// recently signalled text is ever committed; earlier pending commits are
// discarded without any observable effect.
//
// A Debouncer belongs to one session loop. Signal, Cancel and Pending must be
// called from that loop, and the timer callback is routed back onto it through
// the post function so that commit always runs on the owning goroutine.
type Debouncer struct {
	clock  Clock
	window time.Duration
	post   func(func())
	commit func(text string)

	gen     uint64
	timer   Timer
	pending string
}

// NewDebouncer returns a Debouncer that calls commit with the last signalled
// text once window has passed without a new signal. post schedules a function
// on the owning loop; pass a direct call when the caller is single-threaded.
func NewDebouncer(clock Clock, window time.Duration, post func(func()), commit func(text string)) *Debouncer {
	if clock == nil {
		clock = SystemClock{}
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{
		clock:  clock,
		window: window,
		post:   post,
		commit: commit,
	}
}

// Signal schedules a commit of text after the quiet window, superseding any
// commit that has not fired yet. It reports whether a pending commit was
// superseded.
func (d *Debouncer) Signal(text string) (superseded bool) {
	superseded = d.stop()
	d.gen++
	gen := d.gen
	d.pending = text
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.post(func() { d.fire(gen) })
	})
	return superseded
}

// Cancel discards the pending commit, if any. It reports whether one was
// pending.
func (d *Debouncer) Cancel() bool {
	if !d.stop() {
		return false
	}
	d.gen++
	return true
}

// Pending reports whether a commit is scheduled and has not fired.
func (d *Debouncer) Pending() bool { return d.timer != nil }

// PendingText returns the text that the scheduled commit would deliver.
func (d *Debouncer) PendingText() string { return d.pending }

func (d *Debouncer) stop() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.pending = ""
	return true
}

// fire runs on the owning loop. A stale generation means the timer raced a
// newer Signal or a Cancel and must do nothing.
func (d *Debouncer) fire(gen uint64) {
	if gen != d.gen || d.timer == nil {
		return
	}
	text := d.pending
	d.timer = nil
	d.pending = ""
	if len(text) == 0 {
		return
	}
	d.commit(text)
}
