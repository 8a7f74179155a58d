package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/pkg/metrics"
)

// SnapshotKey is the key the thread snapshot is saved under.
const SnapshotKey = "threads"

const saveTimeout = 10 * time.Second

// Persister is a key/value backend for store snapshots.
type Persister interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
}

type snapshot struct {
	Version   uint64         `json:"version"`
	CurrentID string         `json:"current_id,omitempty"`
	Threads   []model.Thread `json:"threads"`
}

// saveLoop writes one snapshot per wake-up; bursts of mutations collapse
// into a single save.
func (s *Store) saveLoop() {
	defer close(s.saverDone)
	for {
		select {
		case <-s.stop:
			return
		case <-s.dirty:
			ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
			if err := s.save(ctx); err != nil {
				s.logger.Warn("failed to save thread snapshot", zap.Error(err))
			}
			cancel()
		}
	}
}

func (s *Store) save(ctx context.Context) error {
	s.mu.Lock()
	snap := snapshot{
		Version:   s.version,
		CurrentID: s.current,
		Threads:   make([]model.Thread, 0, len(s.threads)),
	}
	for _, t := range s.threads {
		snap.Threads = append(snap.Threads, *t)
	}
	// Marshal under the lock; published snapshots are immutable but the
	// slice headers above still point into them.
	data, err := json.Marshal(snap)
	s.mu.Unlock()
	if err != nil {
		metrics.PersistErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := s.persister.Save(ctx, SnapshotKey, data); err != nil {
		metrics.PersistErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Restore loads the last saved snapshot, replacing the store contents.
// Generation flags are cleared: nothing is generating after a restart.
// Returns false when no snapshot exists.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	if s.persister == nil {
		return false, nil
	}

	data, ok, err := s.persister.Load(ctx, SnapshotKey)
	if err != nil {
		metrics.PersistErrorsTotal.WithLabelValues("load").Inc()
		return false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		metrics.PersistErrorsTotal.WithLabelValues("load").Inc()
		return false, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	threads := make(map[string]*model.Thread, len(snap.Threads))
	var maxID int64
	for i := range snap.Threads {
		t := snap.Threads[i]
		t.Busy = false
		if t.Messages == nil {
			t.Messages = []model.Message{}
		}
		for j := range t.Messages {
			settleInterrupted(&t.Messages[j])
			if t.Messages[j].ID > maxID {
				maxID = t.Messages[j].ID
			}
		}
		threads[t.ID] = &t
	}

	if a, ok := s.ids.(advancer); ok {
		a.Advance(maxID)
	}

	s.mu.Lock()
	s.threads = threads
	s.current = ""
	if _, ok := threads[snap.CurrentID]; ok {
		s.current = snap.CurrentID
	}
	if snap.Version > s.version {
		s.version = snap.Version
	}
	s.mu.Unlock()

	s.logger.Info("restored thread snapshot",
		zap.Int("threads", len(threads)),
		zap.Uint64("version", snap.Version),
	)
	return true, nil
}

// settleInterrupted clears the generating flag of a message saved while its
// response was still being produced; an empty response gets the cancelled
// marker.
func settleInterrupted(m *model.Message) {
	if !m.IsGenerating {
		return
	}
	m.IsGenerating = false
	if m.Role != model.RoleAssistant {
		return
	}
	if v := m.Current(); v != nil && v.Text == "" {
		v.Text = model.CancelledText
	}
}

// Close stops the saver and writes a final snapshot.
func (s *Store) Close(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.saverDone
		err = s.save(ctx)
	})
	return err
}
