// Package procfs reads details of a unit's main process from /proc.
package procfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Process describes a running process.
type Process struct {
	PID      int    `json:"pid"`
	Command  string `json:"command"`
	RSSBytes int64  `json:"rss_bytes"`
}

// Reader inspects processes under a proc mount.
type Reader struct {
	root     string
	pageSize int64
}

// New creates a reader for /proc.
func New() *Reader {
	return &Reader{root: "/proc", pageSize: int64(os.Getpagesize())}
}

// WithRoot points the reader at another proc tree.
func (r *Reader) WithRoot(root string) *Reader {
	r.root = root
	return r
}

// Inspect returns the command line and resident memory of pid.
func (r *Reader) Inspect(pid int) (Process, error) {
	if pid <= 0 {
		return Process{}, fmt.Errorf("invalid PID: %d", pid)
	}
	dir := filepath.Join(r.root, strconv.Itoa(pid))

	cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil {
		return Process{}, fmt.Errorf("read cmdline of %d: %w", pid, err)
	}
	p := Process{PID: pid, Command: strings.TrimSpace(strings.ReplaceAll(string(cmdline), "\x00", " "))}
	if p.Command == "" {
		// Kernel threads and zombies have no command line.
		if comm, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
			p.Command = "[" + strings.TrimSpace(string(comm)) + "]"
		}
	}

	statm, err := os.ReadFile(filepath.Join(dir, "statm"))
	if err != nil {
		return p, nil
	}
	if fields := strings.Fields(string(statm)); len(fields) > 1 {
		if pages, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			p.RSSBytes = pages * r.pageSize
		}
	}
	return p, nil
}
