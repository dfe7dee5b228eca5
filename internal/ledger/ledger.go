// Package ledger is the append-only, hash-chained event log for one device.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldcrew/rigshift/internal/domain"
	"github.com/fieldcrew/rigshift/internal/hashchain"
	"github.com/fieldcrew/rigshift/internal/metrics"
)

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Reachability reports whether the remote authority is currently reachable.
type Reachability interface {
	Online() bool
}

// Journal persists ledger mutations. Implementations must not call back into the Ledger.
type Journal interface {
	AppendEvent(ctx context.Context, ev domain.Event) error
	UpdateEventStatus(ctx context.Context, id string, status domain.SyncStatus) error
}

// Options configures a Ledger. Zero values select the defaults.
type Options struct {
	DeviceID string
	Hasher   hashchain.Hasher
	Link     Reachability
	Journal  Journal
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Ledger holds the ordered chain of events. Events are never removed and only
// their SyncStatus changes after append.
type Ledger struct {
	mu       sync.RWMutex
	events   []domain.Event
	index    map[string]int
	head     string
	code     string
	frozen   bool
	lastTime time.Time

	deviceID string
	hasher   hashchain.Hasher
	link     Reachability
	journal  Journal
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// New creates an empty ledger.
func New(opts Options) *Ledger {
	l := &Ledger{
		index:    make(map[string]int),
		head:     hashchain.Genesis,
		deviceID: opts.DeviceID,
		hasher:   opts.Hasher,
		link:     opts.Link,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		log:      opts.Logger.With().Str("component", "ledger").Logger(),
		now:      opts.Now,
	}
	if l.hasher == nil {
		l.hasher = hashchain.Rolling{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Append hashes and stores a new event at the tail of the chain. It returns
// ErrSystemLocked while the ledger is frozen.
func (l *Ledger) Append(ctx context.Context, eventType string, payload any, operatorID string, rigID *int) (domain.Event, error) {
	data, err := hashchain.CanonicalPayload(payload)
	if err != nil {
		return domain.Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		l.metrics.AppendRejected()
		return domain.Event{}, domain.ErrSystemLocked
	}

	ts := l.nextTimestamp()
	content, err := hashchain.Canonical(hashchain.Content{
		Timestamp:  ts,
		Type:       eventType,
		OperatorID: operatorID,
		RigID:      rigID,
		Payload:    data,
	})
	if err != nil {
		return domain.Event{}, err
	}

	prev := l.head
	status := domain.SyncSynced
	if l.link != nil && !l.link.Online() {
		status = domain.SyncPending
	}

	ev := domain.Event{
		Seq:            int64(len(l.events) + 1),
		ID:             l.newID(),
		Timestamp:      ts,
		Type:           eventType,
		OperatorID:     operatorID,
		RigID:          copyInt(rigID),
		Payload:        data,
		Digest:         l.hasher.Digest(content, prev),
		PreviousDigest: prev,
		SyncStatus:     status,
		DeviceID:       l.deviceID,
	}

	if l.journal != nil {
		if err := l.journal.AppendEvent(ctx, ev); err != nil {
			return domain.Event{}, domain.WrapEngineError(domain.ErrStoreWrite.Code, "append event", err)
		}
	}

	l.index[ev.ID] = len(l.events)
	l.events = append(l.events, ev)
	l.head = ev.Digest
	l.code = hashchain.VerificationCode(ev.Digest)
	l.metrics.EventAppended(eventType)

	l.log.Debug().
		Str("id", ev.ID).
		Str("type", eventType).
		Str("status", string(status)).
		Str("code", l.code).
		Msg("event appended")

	return cloneEvent(ev), nil
}

// nextTimestamp returns a UTC millisecond timestamp never earlier than the last one issued.
func (l *Ledger) nextTimestamp() string {
	t := l.now().UTC().Truncate(time.Millisecond)
	if t.Before(l.lastTime) {
		t = l.lastTime
	}
	l.lastTime = t
	return t.Format(TimestampLayout)
}

func (l *Ledger) newID() string {
	for {
		id := "evt-" + uuid.Must(uuid.NewV7()).String()
		if _, dup := l.index[id]; !dup {
			return id
		}
	}
}

// MarkSynced sets one event's status to synced. Unknown ids are ignored.
func (l *Ledger) MarkSynced(ctx context.Context, id string) {
	l.UpdateSyncStatus(ctx, id, domain.SyncSynced)
}

// UpdateSyncStatus changes the sync status of exactly one event and reports
// whether the id was found. It is the only mutation allowed after append.
func (l *Ledger) UpdateSyncStatus(ctx context.Context, id string, status domain.SyncStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[id]
	if !ok {
		return false
	}
	if l.events[i].SyncStatus == status {
		return true
	}
	l.events[i].SyncStatus = status
	if l.journal != nil {
		if err := l.journal.UpdateEventStatus(ctx, id, status); err != nil {
			l.log.Warn().Err(err).Str("id", id).Msg("persist sync status")
		}
	}
	return true
}

// Freeze makes every subsequent Append fail with ErrSystemLocked.
func (l *Ledger) Freeze() {
	l.mu.Lock()
	l.frozen = true
	l.mu.Unlock()
}

// Thaw re-enables appends.
func (l *Ledger) Thaw() {
	l.mu.Lock()
	l.frozen = false
	l.mu.Unlock()
}

// Frozen reports whether appends are currently rejected.
func (l *Ledger) Frozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen
}

// Get returns a copy of the event with the given id.
func (l *Ledger) Get(id string) (domain.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return domain.Event{}, false
	}
	return cloneEvent(l.events[i]), true
}

// Events returns a copy of the whole chain in append order.
func (l *Ledger) Events() []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Event, len(l.events))
	for i, ev := range l.events {
		out[i] = cloneEvent(ev)
	}
	return out
}

// PendingEvents returns copies of events whose status is pending or failed.
func (l *Ledger) PendingEvents() []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Event
	for _, ev := range l.events {
		if ev.SyncStatus == domain.SyncPending || ev.SyncStatus == domain.SyncFailed {
			out = append(out, cloneEvent(ev))
		}
	}
	return out
}

// Len returns the number of events.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Head returns the digest of the last event, or the genesis digest.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// VerificationCode returns the short code derived from the head digest.
// It is empty until the first append.
func (l *Ledger) VerificationCode() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.code
}

// Hasher returns the digest function in use.
func (l *Ledger) Hasher() hashchain.Hasher {
	return l.hasher
}

// Verify reports whether the whole chain is intact.
func (l *Ledger) Verify() bool {
	return l.CheckIntegrity() == nil
}

// CheckIntegrity recomputes every digest and returns an *IntegrityError for
// the first event that does not link or hash correctly.
func (l *Ledger) CheckIntegrity() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return checkChain(l.hasher, l.events)
}

// Restore replaces the in-memory chain with previously persisted events after
// re-verifying them. The journal is not written.
func (l *Ledger) Restore(events []domain.Event) error {
	if err := checkChain(l.hasher, events); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = make([]domain.Event, len(events))
	l.index = make(map[string]int, len(events))
	l.head = hashchain.Genesis
	l.code = ""
	l.lastTime = time.Time{}
	for i, ev := range events {
		l.events[i] = cloneEvent(ev)
		l.index[ev.ID] = i
		l.head = ev.Digest
		l.code = hashchain.VerificationCode(ev.Digest)
		if t, err := time.Parse(TimestampLayout, ev.Timestamp); err == nil && t.After(l.lastTime) {
			l.lastTime = t
		}
	}
	l.log.Info().Int("events", len(events)).Str("code", l.code).Msg("ledger restored")
	return nil
}

// IntegrityError identifies the first event at which the chain breaks.
type IntegrityError struct {
	Index   int
	EventID string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain broken at index %d (%s): %s", e.Index, e.EventID, e.Reason)
}

// Unwrap lets errors.Is match domain.ErrChainBroken.
func (e *IntegrityError) Unwrap() error {
	return domain.ErrChainBroken
}

func checkChain(h hashchain.Hasher, events []domain.Event) error {
	prev := hashchain.Genesis
	for i, ev := range events {
		if ev.PreviousDigest != prev {
			return &IntegrityError{Index: i, EventID: ev.ID, Reason: "previous digest does not match"}
		}
		content, err := hashchain.Canonical(hashchain.Content{
			Timestamp:  ev.Timestamp,
			Type:       ev.Type,
			OperatorID: ev.OperatorID,
			RigID:      ev.RigID,
			Payload:    ev.Payload,
		})
		if err != nil {
			return &IntegrityError{Index: i, EventID: ev.ID, Reason: err.Error()}
		}
		if h.Digest(content, prev) != ev.Digest {
			return &IntegrityError{Index: i, EventID: ev.ID, Reason: "digest mismatch"}
		}
		prev = ev.Digest
	}
	return nil
}

func cloneEvent(ev domain.Event) domain.Event {
	ev.RigID = copyInt(ev.RigID)
	if ev.Payload != nil {
		p := make([]byte, len(ev.Payload))
		copy(p, ev.Payload)
		ev.Payload = p
	}
	return ev
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
