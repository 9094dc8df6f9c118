package notify

import (
	"context"
	"sync"
)

type Record struct {
	UserID  int64
	Outcome Outcome
}

// Recorder keeps every outcome in memory. Used by the simulator and tests.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	Err     error
}

func (r *Recorder) Notify(_ context.Context, userID int64, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, Record{UserID: userID, Outcome: o})
	return r.Err
}

func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Record(nil), r.records...)
}

// Count returns how many outcomes of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.records {
		if rec.Outcome.Kind == kind {
			n++
		}
	}
	return n
}
