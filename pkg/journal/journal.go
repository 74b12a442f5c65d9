// Package journal persists membership events in an append-only text log, one
// file per local node, and keeps the most recent event seen for every node.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

// NeverJoined is the counter of a node with no recorded history.
const NeverJoined int64 = -1

// IOError is a failure reading or writing the journal file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("journal %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Table holds the winning event per node id: last writer wins by counter,
// ties keep the existing entry.
type Table map[gossip.NodeID]gossip.Event

// Merge installs ev if it supersedes the entry for its node and reports
// whether it did.
func (t Table) Merge(ev gossip.Event) bool {
	if cur, ok := t[ev.Node]; ok && ev.Counter <= cur.Counter {
		return false
	}
	t[ev.Node] = ev
	return true
}

// Events returns the winners sorted by node id.
func (t Table) Events() []gossip.Event {
	out := make([]gossip.Event, 0, len(t))
	for _, ev := range t {
		out = append(out, ev)
	}
	slices.SortFunc(out, func(a, b gossip.Event) int {
		return strings.Compare(a.Node.String(), b.Node.String())
	})
	return out
}

// Journal is the membership log of one node. It is safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	table  Table
	logger *zap.Logger
}

// Path returns the log location for self under dir.
func Path(dir string, self gossip.NodeID) string {
	return filepath.Join(dir, self.String()+".log")
}

// Open creates dir if needed and opens the log of self for appending.
func Open(dir string, self gossip.NodeID, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	path := Path(dir, self)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	return &Journal{
		path:   path,
		file:   f,
		table:  make(Table),
		logger: logger.With(zap.String("journal", path)),
	}, nil
}

func (j *Journal) Path() string { return j.path }

// RecoverCounter scans the log for the highest counter recorded for id.
// A missing or unreadable log yields NeverJoined.
func (j *Journal) RecoverCounter(id gossip.NodeID) int64 {
	f, err := os.Open(j.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			j.logger.Error("journal read failed", zap.Error(&IOError{Op: "read", Path: j.path, Err: err}))
		}
		return NeverJoined
	}
	defer f.Close()

	counter := NeverJoined
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		ev, err := gossip.ParseEvent(text)
		if err != nil {
			j.logger.Warn("skipping malformed journal line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if ev.Node == id {
			counter = max(counter, ev.Counter)
		}
	}
	if err := sc.Err(); err != nil {
		j.logger.Error("journal read failed", zap.Error(&IOError{Op: "read", Path: j.path, Err: err}))
	}
	return counter
}

// Append durably writes one event.
func (j *Journal) Append(ev gossip.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(ev)
}

func (j *Journal) appendLocked(ev gossip.Event) error {
	if j.file == nil {
		return &IOError{Op: "write", Path: j.path, Err: os.ErrClosed}
	}
	b, err := ev.MarshalText()
	if err != nil {
		return &IOError{Op: "encode", Path: j.path, Err: err}
	}
	if _, err := j.file.Write(append(b, '\n')); err != nil {
		return &IOError{Op: "write", Path: j.path, Err: err}
	}
	if err := j.file.Sync(); err != nil {
		return &IOError{Op: "sync", Path: j.path, Err: err}
	}
	return nil
}

// Reconcile merges ev into the winner table and appends it to the log when
// it wins. A failed append is logged and does not undo the merge.
func (j *Journal) Reconcile(ev gossip.Event) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.table.Merge(ev) {
		return false
	}
	if err := j.appendLocked(ev); err != nil {
		telemetry.JournalWriteFailures.Inc()
		j.logger.Error("JOURNAL WRITE FAILED", zap.Stringer("event", ev), zap.Error(err))
	}
	return true
}

// Latest returns the winning event for id.
func (j *Journal) Latest(id gossip.NodeID) (gossip.Event, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ev, ok := j.table[id]
	return ev, ok
}

// Snapshot returns the winner of every known node, sorted by id.
func (j *Journal) Snapshot() []gossip.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.table.Events()
}

// Close flushes and closes the log. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	f := j.file
	j.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return &IOError{Op: "sync", Path: j.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IOError{Op: "close", Path: j.path, Err: err}
	}
	return nil
}

var _ gossip.Journal = (*Journal)(nil)
