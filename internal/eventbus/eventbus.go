// Package eventbus is the in-process publish/subscribe fan-out for run/stage
// lifecycle and log events (spec §4.D). Delivery is best-effort and
// per-subscriber buffered: a slow subscriber is signalled Lagged and never
// blocks the producer. It is a convenience for live UIs only — durable state
// in the Store is authoritative, and the bus carries no coordination
// guarantee across processes.
//
// The teacher has no in-process pub/sub of its own (it serves polling SSE
// off the Store, internal/web/stream.go); this is new infrastructure built in
// the idiomatic Go shape for the job: one buffered channel per subscriber
// guarded by a mutex-protected registry, non-blocking sends.
package eventbus

import "sync"

// Kind identifies the variant of an Event.
type Kind int

const (
	KindRunStarted Kind = iota
	KindStageStarted
	KindStageLog
	KindStageCompleted
	KindRunCompleted
	KindLagged
	KindVariableWarning
)

// Event is the tagged union of everything the bus can deliver. Only the
// fields relevant to Kind are populated; see spec §4.D for the field list
// per variant.
type Event struct {
	Kind Kind

	RunID      string
	PipelineID string
	Number     int
	StageName  string
	Timestamp  int64 // unix nanos; StageLog carries the backend's line time, other kinds the publisher's injected clock

	Stream  string // "stdout" | "stderr", StageLog only
	Content string // StageLog only

	Status string // StageCompleted/RunCompleted only
	Error  string // StageCompleted/RunCompleted only

	Dropped int // KindLagged only: events dropped before this one was delivered

	Scope string // KindVariableWarning only: the ${scope.key} scope
	Key   string // KindVariableWarning only: the unknown key within Scope
}

const subscriberBuffer = 256

// subscriber is one registered listener's channel plus its drop counter.
type subscriber struct {
	ch      chan Event
	dropped int
}

// Bus fans out events to every live subscriber of a run, scoped per run_id so
// that a quiet run's subscribers never see another run's traffic.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]*subscriber
	next int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]*subscriber)}
}

// Subscription is a live handle to a run's event stream. Call Events to read
// and Close to unregister once the consumer is done.
type Subscription struct {
	bus   *Bus
	runID string
	id    int
	ch    chan Event
}

// Subscribe registers a new listener for a run's events (spec §6: subscribe
// returns "a lazy sequence of Event"; here that's a receive-only channel).
func (b *Bus) Subscribe(runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]*subscriber)
	}
	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.subs[runID][id] = sub

	return &Subscription{bus: b, runID: runID, id: id, ch: sub.ch}
}

// Events returns the channel to range over for delivered events.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and releases its buffer.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subs[s.runID]; ok {
		// After CloseRun the subscription is no longer registered and its
		// channel is already closed.
		if _, registered := subs[s.id]; registered {
			delete(subs, s.id)
			close(s.ch)
		}
		if len(subs) == 0 {
			delete(s.bus.subs, s.runID)
		}
	}
}

// Publish fans an event out to every current subscriber of its run. Sends
// are non-blocking: a subscriber whose buffer is full has the event dropped
// and its drop counter incremented rather than stalling the producer (spec
// §5: "send is non-blocking; overflow drops to slow consumers only"). The
// next event that DOES fit for that subscriber is preceded by a synthetic
// Lagged event reporting how many were dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[ev.RunID] {
		if sub.dropped > 0 {
			select {
			case sub.ch <- Event{Kind: KindLagged, RunID: ev.RunID, Dropped: sub.dropped}:
				sub.dropped = 0
			default:
				sub.dropped++
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

// CloseRun closes every subscriber channel for a run, used once RunCompleted
// has been published and no further events for that run will ever arrive.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[runID] {
		close(sub.ch)
	}
	delete(b.subs, runID)
}
