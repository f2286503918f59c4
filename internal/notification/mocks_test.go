package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store with the same guarded-transition semantics
// as PostgresStore. Error fields, when set, short-circuit the matching
// method.
type memStore struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*Notification
	attempts      map[uuid.UUID][]Attempt
	nextAttemptID int64

	createErr      error
	appendErr      error
	markSentErr    error
	markFailedErr  error
	markPendingErr error
	loadErr        error
}

func newMemStore() *memStore {
	return &memStore{
		notifications: make(map[uuid.UUID]*Notification),
		attempts:      make(map[uuid.UUID][]Attempt),
	}
}

func (s *memStore) Create(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return s.createErr
	}

	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := time.Now().UTC()
	n.Status = StatusPending
	n.CreatedAt = now
	n.UpdatedAt = now

	clone := *n
	s.notifications[n.ID] = &clone
	return nil
}

func (s *memStore) AppendAttempt(ctx context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendErr != nil {
		return s.appendErr
	}

	n, ok := s.notifications[a.NotificationID]
	if !ok {
		return ErrNotFound
	}

	s.nextAttemptID++
	a.ID = s.nextAttemptID
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	s.attempts[a.NotificationID] = append(s.attempts[a.NotificationID], *a)
	n.UpdatedAt = a.Timestamp
	return nil
}

func (s *memStore) MarkSent(ctx context.Context, id uuid.UUID, channel Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markSentErr != nil {
		return s.markSentErr
	}

	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	if n.Status == StatusSent {
		return ErrAlreadySent
	}

	ch := channel
	n.Status = StatusSent
	n.ChannelUsed = &ch
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(id, StatusFailed, s.markFailedErr)
}

func (s *memStore) MarkPending(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(id, StatusPending, s.markPendingErr)
}

func (s *memStore) setStatus(id uuid.UUID, status Status, injected error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if injected != nil {
		return injected
	}

	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	if n.Status == StatusSent {
		return ErrAlreadySent
	}

	n.Status = status
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) Load(ctx context.Context, id uuid.UUID) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	n, ok := s.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *n
	clone.Attempts = append([]Attempt{}, s.attempts[id]...)
	return &clone, nil
}

func (s *memStore) List(ctx context.Context, filter ListFilter) ([]*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	result := []*Notification{}
	for _, n := range s.notifications {
		if filter.Recipient != "" && n.Recipient != filter.Recipient {
			continue
		}
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		clone := *n
		result = append(result, &clone)
	}
	return result, nil
}

// snapshot is a test helper: the stored notification with attempts, or nil.
func (s *memStore) snapshot(id uuid.UUID) *Notification {
	n, err := s.Load(context.Background(), id)
	if err != nil {
		return nil
	}
	return n
}

// seed plants a notification directly in the given status.
func (s *memStore) seed(id uuid.UUID, recipient string, status Status) *Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	n := &Notification{
		ID:        id,
		Recipient: recipient,
		Message:   "seeded",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.notifications[id] = n
	return n
}

// memQueue is an in-memory RetryQueue for engine and service tests; worker
// tests run against a real Redis stream.
type memQueue struct {
	mu         sync.Mutex
	records    []RetryRecord
	enqueueErr error
}

func newMemQueue() *memQueue {
	return &memQueue{}
}

func (q *memQueue) Enqueue(ctx context.Context, record RetryRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.records = append(q.records, record)
	return nil
}

func (q *memQueue) EnsureGroup(ctx context.Context) error { return nil }

func (q *memQueue) Read(ctx context.Context, consumer string, block time.Duration) (*QueuedRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) == 0 {
		return nil, nil
	}
	record := q.records[0]
	q.records = q.records[1:]
	return &QueuedRecord{ID: "0-1", Record: record}, nil
}

func (q *memQueue) Ack(ctx context.Context, id string) error { return nil }

func (q *memQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.records)), nil
}

func (q *memQueue) PendingCount(ctx context.Context) (int64, error) { return 0, nil }

func (q *memQueue) Close() error { return nil }

// all returns a copy of the queued records.
func (q *memQueue) all() []RetryRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RetryRecord{}, q.records...)
}

// fakeProvider is a scriptable Provider. Each Send consumes one entry from
// errs (nil entry means success); an exhausted script succeeds. failAlways
// takes precedence.
type fakeProvider struct {
	mu         sync.Mutex
	tag        Channel
	errs       []error
	failAlways error
	calls      int
}

func (p *fakeProvider) Send(ctx context.Context, recipient, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.failAlways != nil {
		return p.failAlways
	}
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return err
	}
	return nil
}

func (p *fakeProvider) ChannelTag() Channel { return p.tag }

func (p *fakeProvider) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
