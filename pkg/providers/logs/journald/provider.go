// Package journald streams unit logs from the user journal with journalctl.
package journald

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modoterra/unitwatch/pkg/core"
)

const maxEntrySize = 1 << 20

// Provider opens journalctl streams for user units.
type Provider struct {
	// JournalctlPath is the journalctl binary.
	JournalctlPath string

	logger *slog.Logger
}

// New creates a journal provider using journalctl from PATH.
func New(logger *slog.Logger) *Provider {
	return &Provider{JournalctlPath: "journalctl", logger: logger}
}

// Args returns the journalctl arguments for a tail of unitID.
func Args(unitID string, opts core.TailOptions) []string {
	args := []string{"--user", "-u", unitID, "-o", "json", "--no-pager"}
	if opts.Lines > 0 {
		args = append(args, "-n", strconv.Itoa(opts.Lines))
	}
	if opts.Follow {
		args = append(args, "-f")
	}
	return args
}

// Stream starts journalctl. The process is killed and reaped by Close or when
// ctx ends.
func (p *Provider) Stream(ctx context.Context, unitID string, opts core.TailOptions) (core.LogStream, error) {
	sctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(sctx, p.JournalctlPath, Args(unitID, opts)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("journalctl pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("journalctl start: %w", err)
	}

	s := &stream{
		unitID: unitID,
		ctx:    sctx,
		cancel: cancel,
		lines:  make(chan core.LogLine),
		done:   make(chan struct{}),
		logger: p.logger,
	}
	go s.read(cmd, stdout, stderr)
	p.logger.Debug("journal stream opened", "unit", unitID, "lines", opts.Lines, "follow", opts.Follow)
	return s, nil
}

type stream struct {
	unitID string
	ctx    context.Context
	cancel context.CancelFunc
	lines  chan core.LogLine
	done   chan struct{}
	err    error
	once   sync.Once
	logger *slog.Logger
}

func (s *stream) read(cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer) {
	defer close(s.done)
	defer close(s.lines)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEntrySize)
	for scanner.Scan() {
		line, err := ParseEntry(s.unitID, scanner.Bytes())
		if err != nil {
			s.logger.Debug("skipping journal entry", "unit", s.unitID, "err", err)
			continue
		}
		select {
		case s.lines <- line:
		case <-s.ctx.Done():
			_ = cmd.Wait()
			s.err = s.ctx.Err()
			return
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case s.ctx.Err() != nil:
		s.err = s.ctx.Err()
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			s.err = fmt.Errorf("journalctl: %w: %s", waitErr, msg)
		} else {
			s.err = fmt.Errorf("journalctl: %w", waitErr)
		}
	case scanErr != nil:
		s.err = fmt.Errorf("journal read: %w", scanErr)
	default:
		s.err = io.EOF
	}
}

// Next blocks until the next entry. It returns io.EOF when journalctl exited
// cleanly.
func (s *stream) Next() (core.LogLine, error) {
	line, ok := <-s.lines
	if !ok {
		<-s.done
		return core.LogLine{}, s.err
	}
	return line, nil
}

// Close kills journalctl and waits until it has been reaped.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		for range s.lines {
		}
		<-s.done
	})
	return nil
}

// ParseEntry decodes one line of `journalctl -o json`.
func ParseEntry(unitID string, raw []byte) (core.LogLine, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return core.LogLine{}, fmt.Errorf("decode journal entry: %w", err)
	}

	line := core.LogLine{UnitID: unitID, Source: "journal"}
	if ts := fieldString(fields["__REALTIME_TIMESTAMP"]); ts != "" {
		usec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return core.LogLine{}, fmt.Errorf("bad __REALTIME_TIMESTAMP %q: %w", ts, err)
		}
		line.Timestamp = time.UnixMicro(usec)
	} else {
		line.Timestamp = time.Now()
	}
	for _, key := range []string{"SYSLOG_IDENTIFIER", "_COMM"} {
		if v := fieldString(fields[key]); v != "" {
			line.Source = v
			break
		}
	}

	msg, ok := fields["MESSAGE"]
	if !ok {
		return core.LogLine{}, errors.New("journal entry without MESSAGE")
	}
	line.Text = strings.TrimRight(fieldString(msg), "\n")
	return line, nil
}

// fieldString decodes a journal field. Binary-safe fields arrive as arrays of
// bytes, unset ones as null.
func fieldString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var b []byte
	var ints []int
	if err := json.Unmarshal(raw, &ints); err == nil {
		b = make([]byte, len(ints))
		for i, v := range ints {
			b[i] = byte(v)
		}
		return string(bytes.ToValidUTF8(b, []byte("\uFFFD")))
	}
	return ""
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

var _ core.LogStreamer = (*Provider)(nil)
