package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

type scheduled struct {
	ev  models.SignatureEvent
	due time.Time
}

// Queue is an in-process SignatureQueue with the same marker semantics as the
// Redis queue.
type Queue struct {
	mu        sync.Mutex
	ready     []models.SignatureEvent
	delayed   []scheduled
	markers   map[string]time.Time
	failed    map[string]time.Time
	markerTTL time.Duration
	now       func() time.Time
}

// NewQueue creates a Queue. A non-positive markerTTL uses the default.
func NewQueue(markerTTL time.Duration) *Queue {
	if markerTTL <= 0 {
		markerTTL = constants.DefaultMarkerTTL
	}
	return &Queue{
		markers:   make(map[string]time.Time),
		failed:    make(map[string]time.Time),
		markerTTL: markerTTL,
		now:       time.Now,
	}
}

var _ storage.SignatureQueue = (*Queue)(nil)

func live(m map[string]time.Time, key string, now time.Time) bool {
	exp, ok := m[key]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(m, key)
		return false
	}
	return true
}

func (q *Queue) Enqueue(_ context.Context, ev models.SignatureEvent) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if live(q.failed, ev.Signature, now) || live(q.markers, ev.Signature, now) {
		return false, nil
	}
	q.markers[ev.Signature] = now.Add(q.markerTTL)
	q.ready = append(q.ready, ev)
	return true, nil
}

func (q *Queue) PopBatch(_ context.Context, n int) ([]models.SignatureEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.due.After(now) {
			q.ready = append(q.ready, d.ev)
		} else {
			kept = append(kept, d)
		}
	}
	q.delayed = kept

	if n > len(q.ready) {
		n = len(q.ready)
	}
	out := make([]models.SignatureEvent, n)
	copy(out, q.ready[:n])
	q.ready = q.ready[n:]
	return out, nil
}

func (q *Queue) Retry(_ context.Context, ev models.SignatureEvent, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.delayed = append(q.delayed, scheduled{ev: ev, due: now.Add(delay)})
	sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].due.Before(q.delayed[j].due) })
	q.markers[ev.Signature] = now.Add(delay + q.markerTTL)
	return nil
}

func (q *Queue) Release(_ context.Context, signature string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.markers, signature)
	return nil
}

func (q *Queue) MarkFailed(_ context.Context, signature string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[signature] = q.now().Add(constants.FailedMarkerTTL)
	delete(q.markers, signature)
	return nil
}

func (q *Queue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + len(q.delayed)), nil
}

func (q *Queue) NextRetryAt(_ context.Context) (time.Time, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.delayed) == 0 {
		return time.Time{}, false, nil
	}
	return q.delayed[0].due, true, nil
}

// IsFailed reports whether the signature carries a failure marker.
func (q *Queue) IsFailed(signature string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return live(q.failed, signature, q.now())
}
