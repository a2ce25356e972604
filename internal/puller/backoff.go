package puller

import "time"

// pollBackoff walks a polling schedule and stays on its last step once the
// schedule is exhausted.
type pollBackoff struct {
	schedule []time.Duration
	step     int
}

func newPollBackoff(schedule []time.Duration) *pollBackoff {
	if len(schedule) == 0 {
		schedule = []time.Duration{time.Second}
	}
	return &pollBackoff{schedule: schedule}
}

// Next returns the delay before the next poll.
func (b *pollBackoff) Next() time.Duration {
	d := b.schedule[b.step]
	if b.step < len(b.schedule)-1 {
		b.step++
	}
	return d
}

// Reset restarts the schedule.
func (b *pollBackoff) Reset() { b.step = 0 }
