package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/tsdb/internal/errors"
)

const commitFile = "commit.md"

// Follower is the replication position of one follower node as seen by
// the leader's WAL.
type Follower struct {
	NodeID string

	// Offset is the last offset the follower fetched from, so everything
	// before it has been received.
	Offset int64

	// InSync is set while the follower lags by at most the ISR threshold.
	InSync bool

	LastSeen time.Time

	served int64 // NextOffset of the last read, where the follower resumes
}

// trackFollower records a fetch position. The caller holds mu.
func (w *WAL) trackFollower(nodeID string, offset int64) {
	w.fmu.Lock()
	defer w.fmu.Unlock()

	f, ok := w.followers[nodeID]
	if !ok {
		f = &Follower{NodeID: nodeID}
		w.followers[nodeID] = f
		log.Debug("follower registered", "dir", w.dir, "node", nodeID, "offset", offset)
	}
	f.Offset = offset
	f.LastSeen = time.Now()
	f.InSync = w.next-offset <= w.opts.ISRThreshold

	w.advanceCommitLocked()
}

// advanceCommitLocked moves the commit offset to the smallest position
// among in-sync followers, or to the tail when no follower is in sync.
// The caller holds mu and fmu.
func (w *WAL) advanceCommitLocked() {
	commit := w.next
	for _, f := range w.followers {
		if f.InSync && f.Offset < commit {
			commit = f.Offset
		}
	}
	if commit > w.commit {
		w.commit = commit
	}
}

// CheckISR re-evaluates every follower's lag against the ISR threshold,
// advances and persists the commit offset, and returns the ids of the
// in-sync followers. Segments every follower has read past are deleted
// when enabled.
func (w *WAL) CheckISR() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, errors.ErrClosed
	}

	w.fmu.Lock()
	var isr []string
	minOffset := w.next
	for id, f := range w.followers {
		inSync := w.next-f.Offset <= w.opts.ISRThreshold
		if f.InSync && !inSync {
			log.Info("follower fell out of sync",
				"dir", w.dir,
				"node", id,
				"lag", w.next-f.Offset)
		}
		f.InSync = inSync
		if inSync {
			isr = append(isr, id)
		}
		minOffset = min(minOffset, f.Offset)
	}
	w.advanceCommitLocked()
	minOffset = min(minOffset, w.commit)
	hasFollowers := len(w.followers) > 0
	w.fmu.Unlock()

	sort.Strings(isr)

	if err := w.persistCommit(); err != nil {
		return isr, err
	}

	if w.opts.DeleteSegments && hasFollowers {
		if err := w.deleteSegmentsBefore(minOffset); err != nil {
			return isr, err
		}
	}
	return isr, nil
}

// ISR returns the ids of the followers currently in sync.
func (w *WAL) ISR() []string {
	w.fmu.Lock()
	defer w.fmu.Unlock()

	var isr []string
	for id, f := range w.followers {
		if f.InSync {
			isr = append(isr, id)
		}
	}
	sort.Strings(isr)
	return isr
}

// Followers returns the tracked followers ordered by node id.
func (w *WAL) Followers() []Follower {
	w.fmu.Lock()
	defer w.fmu.Unlock()

	out := make([]Follower, 0, len(w.followers))
	for _, f := range w.followers {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// RemoveFollower stops tracking a follower.
func (w *WAL) RemoveFollower(nodeID string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	w.fmu.Lock()
	defer w.fmu.Unlock()

	delete(w.followers, nodeID)
	w.advanceCommitLocked()
}

// deleteSegmentsBefore removes whole segments ending at or before offset.
// The active segment is kept. The caller holds mu.
func (w *WAL) deleteSegmentsBefore(offset int64) error {
	n := 0
	for n < len(w.segments)-1 && w.segments[n].end() <= offset {
		s := w.segments[n]
		if err := s.close(); err != nil {
			return fmt.Errorf("close segment %s: %w", s.path, err)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("delete segment %s: %w", s.path, err)
		}
		w.stats.SegmentsDeleted++
		log.Debug("segment deleted", "segment", s.path, "end_offset", s.end())
		n++
	}
	w.segments = w.segments[n:]
	return nil
}

// persistCommit writes the commit offset to commit.md when it changed.
// The caller holds mu.
func (w *WAL) persistCommit() error {
	w.fmu.Lock()
	commit := w.commit
	w.fmu.Unlock()

	if commit == w.persisted {
		return nil
	}

	path := filepath.Join(w.dir, commitFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(commit, 10)+"\n"), 0644); err != nil {
		return fmt.Errorf("write commit offset: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename commit offset: %w", err)
	}
	w.persisted = commit
	return nil
}

func readCommitFile(dir string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, commitFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read commit offset: %w", err)
	}
	commit, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || commit < 0 {
		return 0, fmt.Errorf("parse commit offset %q: %w", data, errors.ErrCorrupt)
	}
	return commit, nil
}
