package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"vawter.tech/stopper"

	"github.com/modoterra/unitwatch/pkg/core"
)

const sessionStopGrace = 100 * time.Millisecond

// ErrTailerClosed is returned by Attach after CloseAll.
var ErrTailerClosed = errors.New("log tailer is closed")

// Session is one live log stream of a unit.
type Session struct {
	ID      uint64
	UnitID  string
	Options core.TailOptions

	tailer *Tailer
	sctx   *stopper.Context
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// Done is closed when the session has ended and its stream is released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close detaches the session if it is still the active one for its unit.
func (s *Session) Close() {
	s.tailer.detachSession(s)
}

func (s *Session) start(run func(*stopper.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		close(s.done)
		return
	}
	s.started = true
	s.sctx.Go(run)
}

// stop cancels the stream and waits until it is released.
func (s *Session) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.sctx.Stop(sessionStopGrace)
	if started {
		<-s.done
	}
	_ = s.sctx.Wait()
}

// Tailer owns the log sessions, at most one per unit.
type Tailer struct {
	streamer core.LogStreamer
	emit     func(core.Event)
	opts     Options
	logger   *slog.Logger
	ctx      context.Context

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*unitLock
	nextID   uint64
	closed   bool
}

// NewTailer creates a tailer. Sessions are bound to ctx.
func NewTailer(ctx context.Context, streamer core.LogStreamer, emit func(core.Event), opts Options, logger *slog.Logger) *Tailer {
	return &Tailer{
		streamer: streamer,
		emit:     emit,
		opts:     opts.withDefaults(),
		logger:   logger,
		ctx:      ctx,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*unitLock),
	}
}

// unitLock serializes attach and detach of one unit. The entry lives only
// while someone holds or waits for it.
type unitLock struct {
	sync.Mutex
	refs int
}

func (t *Tailer) lockUnit(unitID string) (unlock func()) {
	t.mu.Lock()
	l, ok := t.locks[unitID]
	if !ok {
		l = &unitLock{}
		t.locks[unitID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, unitID)
		}
		t.mu.Unlock()
	}
}

// Attach starts a session for the unit, replacing any existing one. The old
// stream is fully released before the new one is opened.
func (t *Tailer) Attach(unitID string, opts core.TailOptions) (*Session, error) {
	unitID = core.NormalizeUnitID(unitID)
	if opts.Lines <= 0 {
		opts.Lines = core.DefaultLogLines
	}

	defer t.lockUnit(unitID)()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTailerClosed
	}
	old := t.sessions[unitID]
	delete(t.sessions, unitID)
	t.mu.Unlock()

	if old != nil {
		old.stop()
		t.logger.Debug("tail session replaced", "unit", unitID, "session", old.ID)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTailerClosed
	}
	t.nextID++
	s := &Session{
		ID:      t.nextID,
		UnitID:  unitID,
		Options: opts,
		tailer:  t,
		sctx:    stopper.WithContext(t.ctx),
		done:    make(chan struct{}),
	}
	t.sessions[unitID] = s
	t.mu.Unlock()

	s.start(func(sctx *stopper.Context) error {
		t.run(sctx, s)
		return nil
	})
	t.logger.Info("tail attached", "unit", unitID, "session", s.ID, "lines", opts.Lines, "follow", opts.Follow)
	return s, nil
}

// Detach stops the session of a unit. It reports whether one was active.
func (t *Tailer) Detach(unitID string) bool {
	unitID = core.NormalizeUnitID(unitID)
	defer t.lockUnit(unitID)()

	t.mu.Lock()
	s := t.sessions[unitID]
	delete(t.sessions, unitID)
	t.mu.Unlock()

	if s == nil {
		return false
	}
	s.stop()
	t.logger.Info("tail detached", "unit", unitID, "session", s.ID)
	return true
}

func (t *Tailer) detachSession(s *Session) {
	defer t.lockUnit(s.UnitID)()

	t.mu.Lock()
	if t.sessions[s.UnitID] == s {
		delete(t.sessions, s.UnitID)
	}
	t.mu.Unlock()
	s.stop()
}

// Active returns the live session of a unit.
func (t *Tailer) Active(unitID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[core.NormalizeUnitID(unitID)]
	return s, ok
}

// Count returns the number of live sessions.
func (t *Tailer) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CloseAll stops every session and rejects further attaches.
func (t *Tailer) CloseAll() {
	t.mu.Lock()
	t.closed = true
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.stop()
		}(s)
	}
	wg.Wait()
}

func (t *Tailer) run(sctx *stopper.Context, s *Session) {
	ctx, cancel := context.WithCancel(t.ctx)
	finished := make(chan struct{})
	defer func() {
		close(finished)
		cancel()
		t.mu.Lock()
		if t.sessions[s.UnitID] == s {
			delete(t.sessions, s.UnitID)
		}
		t.mu.Unlock()
		close(s.done)
	}()

	sctx.Go(func(sctx *stopper.Context) error {
		select {
		case <-sctx.Stopping():
			cancel()
		case <-finished:
		}
		return nil
	})

	failures := 0
	for {
		if sctx.IsStopping() || ctx.Err() != nil {
			return
		}

		delivered, err := t.pump(ctx, s)
		if sctx.IsStopping() || ctx.Err() != nil {
			return
		}
		if delivered {
			failures = 0
		}

		if errors.Is(err, io.EOF) && !s.Options.Follow {
			t.terminate(s, &core.TailError{Kind: core.TailStreamClosed, UnitID: s.UnitID})
			return
		}
		if err == nil || errors.Is(err, io.EOF) {
			err = errors.New("log stream ended unexpectedly")
		}

		failures++
		if failures > t.opts.TailRetries {
			t.terminate(s, &core.TailError{Kind: core.TailRetryExhausted, UnitID: s.UnitID, Err: err})
			return
		}

		delay := backoffDelay(t.opts.TailBackoff, failures)
		t.logger.Warn("tail stream interrupted, reconnecting", "unit", s.UnitID, "attempt", failures, "delay", delay, "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-sctx.Stopping():
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pump opens the stream and forwards lines until it fails or ends.
func (t *Tailer) pump(ctx context.Context, s *Session) (bool, error) {
	stream, err := t.streamer.Stream(ctx, s.UnitID, s.Options)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	delivered := false
	for {
		line, err := stream.Next()
		if err != nil {
			return delivered, err
		}
		delivered = true
		if line.UnitID == "" {
			line.UnitID = s.UnitID
		}
		t.emit(core.NewLogEvent(line))
	}
}

func (t *Tailer) terminate(s *Session, err *core.TailError) {
	t.logger.Warn("tail session ended", "unit", s.UnitID, "session", s.ID, "kind", err.Kind, "err", err.Err)
	t.emit(core.NewTailErrorEvent(s.UnitID, s.ID, err, t.opts.Now()))
}
