// Package syncq tracks ledger events not yet acknowledged by the remote
// authority and reconciles them when the device is online.
package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldcrew/rigshift/internal/domain"
	"github.com/fieldcrew/rigshift/internal/metrics"
)

// DefaultMaxAttempts is the number of failed sends after which an entry is parked as failed.
const DefaultMaxAttempts = 3

// Reachability reports whether the remote authority is currently reachable.
type Reachability interface {
	Online() bool
}

// EventSource is the ledger view the queue needs: lookup by id and the
// sync-status mirror.
type EventSource interface {
	Get(id string) (domain.Event, bool)
	UpdateSyncStatus(ctx context.Context, id string, status domain.SyncStatus) bool
}

// Journal persists queue entries.
type Journal interface {
	UpsertEntry(ctx context.Context, e domain.SyncEntry) error
	DeleteEntry(ctx context.Context, eventID string) error
}

// Options configures a Queue.
type Options struct {
	Events      EventSource
	Link        Reachability
	Sender      Sender
	Journal     Journal
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	MaxAttempts int
	Now         func() time.Time
}

// Report summarizes one SyncAll round.
type Report struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
}

// Queue holds sync entries in enqueue order. Entries carry only sync metadata
// and reference ledger events by id.
type Queue struct {
	mu       sync.Mutex
	entries  []*domain.SyncEntry
	lastSync time.Time
	lastErr  string

	run     sync.Mutex
	syncing atomic.Bool

	events      EventSource
	link        Reachability
	sender      Sender
	journal     Journal
	metrics     *metrics.Metrics
	log         zerolog.Logger
	maxAttempts int
	now         func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue(opts Options) *Queue {
	q := &Queue{
		events:      opts.Events,
		link:        opts.Link,
		sender:      opts.Sender,
		journal:     opts.Journal,
		metrics:     opts.Metrics,
		log:         opts.Logger.With().Str("component", "syncq").Logger(),
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Enqueue adds a pending entry with retryCount 0. It does not check for an
// existing entry with the same id.
func (q *Queue) Enqueue(ctx context.Context, eventID, eventType string, payload json.RawMessage) domain.SyncEntry {
	e := &domain.SyncEntry{
		EventID:    eventID,
		Type:       eventType,
		Payload:    append(json.RawMessage(nil), payload...),
		SyncStatus: domain.SyncPending,
		EnqueuedAt: q.now().UTC(),
	}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.persist(ctx, e)
	out := *e
	q.publish()
	q.mu.Unlock()

	return out
}

// SyncAll sends every pending or failed entry, one at a time in queue order.
// It returns ErrOffline without touching the queue when the link is down and
// ErrSyncInProgress when another round is running. A failed send never stops
// later entries.
func (q *Queue) SyncAll(ctx context.Context) (Report, error) {
	var rep Report
	if q.link != nil && !q.link.Online() {
		return rep, domain.ErrOffline
	}
	if !q.run.TryLock() {
		return rep, domain.ErrSyncInProgress
	}
	defer q.run.Unlock()

	q.syncing.Store(true)
	defer q.syncing.Store(false)

	q.mu.Lock()
	var batch []*domain.SyncEntry
	for _, e := range q.entries {
		if e.SyncStatus == domain.SyncPending || e.SyncStatus == domain.SyncFailed {
			batch = append(batch, e)
		}
	}
	q.lastErr = ""
	q.mu.Unlock()

	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Attempted++
		q.transition(ctx, e, domain.SyncSyncing, false)

		err := q.send(ctx, e)
		q.metrics.SyncAttempt(err == nil)
		if err == nil {
			q.transition(ctx, e, domain.SyncSynced, false)
			rep.Synced++
			q.log.Debug().Str("event_id", e.EventID).Msg("entry synced")
			continue
		}

		q.mu.Lock()
		e.RetryCount++
		retries := e.RetryCount
		q.lastErr = err.Error()
		q.mu.Unlock()

		next := domain.SyncPending
		if retries >= q.maxAttempts {
			next = domain.SyncFailed
			rep.Failed++
		} else {
			rep.Requeued++
		}
		q.transition(ctx, e, next, false)
		q.log.Debug().Err(err).Str("event_id", e.EventID).Int("retry_count", retries).
			Str("status", string(next)).Msg("send failed")
	}

	q.mu.Lock()
	q.lastSync = q.now().UTC()
	q.mu.Unlock()

	q.log.Info().
		Int("attempted", rep.Attempted).
		Int("synced", rep.Synced).
		Int("requeued", rep.Requeued).
		Int("failed", rep.Failed).
		Msg("sync round finished")
	return rep, nil
}

func (q *Queue) send(ctx context.Context, e *domain.SyncEntry) error {
	if q.sender == nil {
		return fmt.Errorf("%w: no sender configured", domain.ErrSyncFailed)
	}
	var out domain.OutboundEvent
	if q.events != nil {
		if ev, ok := q.events.Get(e.EventID); ok {
			out = ev.Outbound()
		}
	}
	if out.ID == "" {
		q.mu.Lock()
		out = domain.OutboundEvent{ID: e.EventID, Type: e.Type, Payload: e.Payload}
		q.mu.Unlock()
	}
	return q.sender.Send(ctx, out)
}

// transition sets the status of one entry and mirrors it into the ledger.
// An entry removed from the queue meanwhile is not written back to the journal.
func (q *Queue) transition(ctx context.Context, e *domain.SyncEntry, status domain.SyncStatus, resetRetries bool) {
	q.mu.Lock()
	e.SyncStatus = status
	e.LastAttemptTime = q.now().UTC()
	if resetRetries {
		e.RetryCount = 0
	}
	if slices.Contains(q.entries, e) {
		q.persist(ctx, e)
		q.publish()
	}
	q.mu.Unlock()

	if q.events != nil {
		q.events.UpdateSyncStatus(ctx, e.EventID, status)
	}
}

// RetryFailedEvents moves every failed entry back to pending with retryCount
// 0 and returns how many were moved.
func (q *Queue) RetryFailedEvents(ctx context.Context) int {
	q.mu.Lock()
	var failed []*domain.SyncEntry
	for _, e := range q.entries {
		if e.SyncStatus == domain.SyncFailed {
			failed = append(failed, e)
		}
	}
	q.mu.Unlock()

	for _, e := range failed {
		q.transition(ctx, e, domain.SyncPending, true)
	}
	return len(failed)
}

// UpdateSyncStatus sets the status of every entry for eventID and reports
// whether any was found.
func (q *Queue) UpdateSyncStatus(ctx context.Context, eventID string, status domain.SyncStatus) bool {
	q.mu.Lock()
	var hits []*domain.SyncEntry
	for _, e := range q.entries {
		if e.EventID == eventID {
			hits = append(hits, e)
		}
	}
	q.mu.Unlock()

	for _, e := range hits {
		q.transition(ctx, e, status, false)
	}
	return len(hits) > 0
}

// Remove drops every entry for eventID and reports whether any was found.
func (q *Queue) Remove(ctx context.Context, eventID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.filter(ctx, func(e *domain.SyncEntry) bool { return e.EventID == eventID })
	return removed > 0
}

// ClearSynced drops acknowledged entries and returns how many were removed.
func (q *Queue) ClearSynced(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.filter(ctx, func(e *domain.SyncEntry) bool { return e.SyncStatus == domain.SyncSynced })
}

// filter removes entries matching drop. Caller holds q.mu.
func (q *Queue) filter(ctx context.Context, drop func(*domain.SyncEntry) bool) int {
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if drop(e) {
			removed++
			if q.journal != nil {
				if err := q.journal.DeleteEntry(ctx, e.EventID); err != nil {
					q.log.Warn().Err(err).Str("event_id", e.EventID).Msg("delete sync entry")
				}
			}
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	if removed > 0 {
		q.publish()
	}
	return removed
}

// Restore replaces the queue contents with persisted entries. The journal is not written.
func (q *Queue) Restore(entries []domain.SyncEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make([]*domain.SyncEntry, 0, len(entries))
	for i := range entries {
		e := entries[i]
		e.Payload = append(json.RawMessage(nil), e.Payload...)
		if e.SyncStatus == domain.SyncSyncing {
			// A round was interrupted mid-send.
			e.SyncStatus = domain.SyncPending
		}
		q.entries = append(q.entries, &e)
	}
	q.publish()
}

// Entries returns a copy of all entries in queue order.
func (q *Queue) Entries() []domain.SyncEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.SyncEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
		out[i].Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return out
}

// Pending returns copies of the entries whose status is pending.
func (q *Queue) Pending() []domain.SyncEntry {
	var out []domain.SyncEntry
	for _, e := range q.Entries() {
		if e.SyncStatus == domain.SyncPending {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Counts returns the number of entries per status.
func (q *Queue) Counts() map[domain.SyncStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

func (q *Queue) countsLocked() map[domain.SyncStatus]int {
	c := make(map[domain.SyncStatus]int, 4)
	for _, e := range q.entries {
		c[e.SyncStatus]++
	}
	return c
}

func (q *Queue) PendingCount() int { return q.Counts()[domain.SyncPending] }
func (q *Queue) FailedCount() int  { return q.Counts()[domain.SyncFailed] }
func (q *Queue) SyncedCount() int  { return q.Counts()[domain.SyncSynced] }

// SizeBytes is the sum of serialized payload lengths. Diagnostics only.
func (q *Queue) SizeBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *Queue) sizeLocked() int {
	n := 0
	for _, e := range q.entries {
		n += len(e.Payload)
	}
	return n
}

// SizeKB formats SizeBytes in kibibytes with two decimals.
func (q *Queue) SizeKB() string {
	return fmt.Sprintf("%.2f", float64(q.SizeBytes())/1024)
}

// LastSyncTime returns when the last round finished.
func (q *Queue) LastSyncTime() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSync, !q.lastSync.IsZero()
}

// LastError returns the last send error of the most recent round, if any.
func (q *Queue) LastError() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// IsSyncing reports whether a SyncAll round is running.
func (q *Queue) IsSyncing() bool {
	return q.syncing.Load()
}

// persist writes one entry to the journal. Caller holds q.mu.
func (q *Queue) persist(ctx context.Context, e *domain.SyncEntry) {
	if q.journal == nil {
		return
	}
	if err := q.journal.UpsertEntry(ctx, *e); err != nil {
		q.log.Warn().Err(err).Str("event_id", e.EventID).Msg("persist sync entry")
	}
}

// publish pushes queue gauges. Caller holds q.mu.
func (q *Queue) publish() {
	q.metrics.QueueState(q.countsLocked(), q.sizeLocked())
}
