package engine

import (
	"log/slog"
	"sync"

	"github.com/modoterra/unitwatch/pkg/core"
)

// DefaultLogBacklog caps queued log lines per subscriber.
const DefaultLogBacklog = 4096

// Bus fans engine events out to subscribers without ever blocking the
// publisher. State, action and tail events are queued without bound; log lines
// above the backlog cap are dropped for slow subscribers.
type Bus struct {
	mu         sync.Mutex
	subs       map[uint64]*subscriber
	next       uint64
	logBacklog int
	logger     *slog.Logger
}

type subscriber struct {
	mu      sync.Mutex
	queue   []core.Event
	logs    int
	dropped uint64
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	out     chan core.Event
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewBus creates an event bus.
func NewBus(logBacklog int, logger *slog.Logger) *Bus {
	if logBacklog <= 0 {
		logBacklog = DefaultLogBacklog
	}
	return &Bus{
		subs:       make(map[uint64]*subscriber),
		logBacklog: logBacklog,
		logger:     logger,
	}
}

// Subscribe returns a channel of events and a cancel func. The channel is
// closed after cancel.
func (b *Bus) Subscribe() (<-chan core.Event, func()) {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan core.Event),
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
	return s.out, cancel
}

// Publish queues an event for every subscriber.
func (b *Bus) Publish(evt core.Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.push(evt, b.logBacklog) {
			b.logger.Debug("log line dropped for slow subscriber", "unit", evt.UnitID)
		}
	}
}

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber) push(evt core.Event, logBacklog int) bool {
	s.mu.Lock()
	if evt.Type == core.EventLogLine {
		if s.logs >= logBacklog {
			s.dropped++
			s.mu.Unlock()
			return false
		}
		s.logs++
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue[0] = core.Event{}
		s.queue = s.queue[1:]
		if evt.Type == core.EventLogLine {
			s.logs--
		}
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}
