// Package persistm is the substrate for building fault-tolerant, replicated
// in-memory state machines on top of a consensus log. A derived state machine
// applies committed log records to in-memory state; this package gives it
// durable versioned snapshotting, so the log need not be replayed from the
// beginning after a restart, and a leader synchronization protocol that
// establishes a linearizable read point before state-dependent requests are
// served.
package persistm

import (
	"context"
	"fmt"
	"io"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StateMachine owns snapshot hydration and persistence, offset/term
// bookkeeping, and the sync protocol for a single partition replica. It
// composes a ReplicatedLog, a SnapshotStore and the derived machine's
// StateHooks into a coherent lifecycle.
type StateMachine struct {
	name           string
	log            ReplicatedLog
	hooks          StateHooks
	store          SnapshotStore
	maxCollectible func() Offset
	logger         *zap.SugaredLogger

	mut                sync.Mutex
	lastSnapshotOffset Offset
	insyncTerm         Term
	catchingUp         bool
	syncWaiters        []chan bool
	started            bool

	hydrated *oneshot
	opLock   chan struct{}
	gate     sync.WaitGroup
}

func New(config Config) (*StateMachine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &StateMachine{
		name:               config.Name,
		log:                config.Log,
		hooks:              config.Hooks,
		store:              config.Store,
		maxCollectible:     config.MaxCollectibleOffset,
		logger:             config.LoggerOrNoop().Sugar().Named(config.Name),
		lastSnapshotOffset: -1,
		insyncTerm:         -1,
		hydrated:           newOneshot(),
		opLock:             make(chan struct{}, 1),
	}, nil
}

func (s *StateMachine) fatalf(format string, vals ...any) {
	s.logger.Fatalf("%s\n%s", fmt.Sprintf(format, vals...), debug.Stack())
}

// Start hydrates the state machine from the latest valid snapshot, or from
// the log's earliest retained offset if no usable snapshot exists. It must be
// called exactly once; every snapshot-affecting operation blocks until it has
// run.
func (s *StateMachine) Start(ctx context.Context) error {
	s.mut.Lock()
	if s.started {
		s.mut.Unlock()
		return fmt.Errorf("%s: already started", s.name)
	}
	s.started = true
	s.mut.Unlock()

	snapshot, err := s.loadSnapshot(ctx)
	if err != nil {
		s.fatalf("Can't load snapshot from '%s'. Got error: %v", s.store.CurrentPath(), err)
	}

	if snapshot != nil {
		next := nextOffset(snapshot.Header.Offset)
		start := s.log.EarliestRetainedOffset()
		if start < 0 {
			start = 0
		}
		if next >= start {
			if err := s.hooks.ApplySnapshot(ctx, snapshot.Header, snapshot.Payload); err != nil {
				s.fatalf("Can't apply snapshot '%s' at offset %d. Got error: %v",
					s.store.CurrentPath(), snapshot.Header.Offset, err)
			}
		} else {
			// An out-of-date replica re-joining the group after other replicas
			// already evicted log past our snapshot's offset. Continue; the apply
			// loop detects the gap and runs eviction recovery.
			s.logger.Warnf("Skipping snapshot %s since it's out of sync with the log", s.store.CurrentPath())
		}
		s.hooks.ResetApplyCursor(next)
	} else {
		if start := s.log.EarliestRetainedOffset(); start >= 0 {
			s.hooks.ResetApplyCursor(start)
		}
	}
	s.hydrated.resolve()
	return nil
}

// loadSnapshot reads the current snapshot, or returns nil if there is none or
// it carries the legacy format and must be rebuilt by replaying the log.
func (s *StateMachine) loadSnapshot(ctx context.Context) (*Snapshot, error) {
	reader, err := s.store.OpenCurrent()
	if err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, nil
	}

	meta, err := reader.ReadMetadata()
	if err != nil {
		return nil, closeOnErr(reader, err)
	}

	switch version := meta[0]; version {
	case snapshotVersionLegacy:
		// The old layout can't be parsed anymore. Not an error: the state is
		// reconstructed by replaying the log.
		s.logger.Warnf("Skipping snapshot %s due to old format", s.store.CurrentPath())
		if err := reader.Close(); err != nil {
			return nil, err
		}
		if err := s.store.DiscardIncomplete(); err != nil {
			return nil, err
		}
		return nil, nil
	case snapshotVersion:
	default:
		return nil, closeOnErr(reader, fmt.Errorf("unsupported snapshot version %d", version))
	}

	header, err := decodeSnapshotMetadata(meta)
	if err != nil {
		return nil, closeOnErr(reader, err)
	}

	payload := make([]byte, header.PayloadSize)
	if _, err := io.ReadFull(reader.Payload(), payload); err != nil {
		return nil, closeOnErr(reader, err)
	}
	if err := reader.Close(); err != nil {
		return nil, err
	}
	if err := s.store.DiscardIncomplete(); err != nil {
		return nil, err
	}
	return &Snapshot{Header: header, Payload: payload}, nil
}

func (s *StateMachine) persistSnapshot(snapshot Snapshot) error {
	writer, err := s.store.BeginWrite()
	if err != nil {
		return err
	}

	err = func() error {
		if err := writer.WriteMetadata(encodeSnapshotMetadata(snapshot.Header)); err != nil {
			return err
		}
		_, err := writer.PayloadWriter().Write(snapshot.Payload)
		return err
	}()
	if cerr := writer.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// A partial write may remain; the next hydration discards it.
		return err
	}
	return s.store.Commit(writer)
}

func (s *StateMachine) doMakeSnapshot(ctx context.Context) error {
	snapshot, err := s.hooks.TakeSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := s.persistSnapshot(snapshot); err != nil {
		return err
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	// Guard against out-of-order completions.
	if snapshot.Header.Offset > s.lastSnapshotOffset {
		s.lastSnapshotOffset = snapshot.Header.Offset
	}
	return nil
}

// MakeSnapshot captures the derived state through TakeSnapshot and commits it
// durably. Snapshot-mutating operations are serialized against each other but
// not against Sync.
func (s *StateMachine) MakeSnapshot(ctx context.Context) error {
	if err := s.acquireOpLock(ctx); err != nil {
		return err
	}
	defer s.releaseOpLock()

	if err := s.hydrated.wait(ctx); err != nil {
		return err
	}
	return s.doMakeSnapshot(ctx)
}

// MakeSnapshotInBackground fires MakeSnapshot without the caller waiting for
// completion. Close drains such tasks before the instance is torn down.
func (s *StateMachine) MakeSnapshotInBackground() {
	s.gate.Add(1)
	go func() {
		defer s.gate.Done()

		if err := s.MakeSnapshot(context.Background()); err != nil {
			s.logger.Errorf("Background snapshot failed: %v", err)
		}
	}()
}

// EnsureSnapshotExists guarantees that upon return a snapshot at or beyond
// targetOffset has been durably committed, waiting for the apply loop to
// reach it if necessary.
func (s *StateMachine) EnsureSnapshotExists(ctx context.Context, targetOffset Offset) error {
	if err := s.acquireOpLock(ctx); err != nil {
		return err
	}
	defer s.releaseOpLock()

	if err := s.hydrated.wait(ctx); err != nil {
		return err
	}

	s.mut.Lock()
	covered := targetOffset <= s.lastSnapshotOffset
	s.mut.Unlock()
	if covered {
		return nil
	}

	if err := s.hooks.WaitUntilApplied(ctx, targetOffset); err != nil {
		return err
	}
	if applied := s.hooks.AppliedOffset(); applied < targetOffset {
		s.fatalf("after we waited for target offset (%d) the applied offset (%d) should have matched it or bypassed",
			targetOffset, applied)
	}
	return s.doMakeSnapshot(ctx)
}

// MaxCollectibleOffset reports the watermark log compaction must not truncate
// past. The default imposes no retention constraint.
func (s *StateMachine) MaxCollectibleOffset() Offset {
	if s.maxCollectible != nil {
		return s.maxCollectible()
	}
	return Offset(math.MaxInt64)
}

// LastSnapshotOffset returns the highest offset for which a snapshot has been
// durably committed by this instance, or -1.
func (s *StateMachine) LastSnapshotOffset() Offset {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.lastSnapshotOffset
}

// InsyncTerm returns the term for which this replica last confirmed full
// application of all committed records, or -1.
func (s *StateMachine) InsyncTerm() Term {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.insyncTerm
}

// Sync confirms that this replica is the leader and has applied every record
// committed as of the moment its leadership was confirmed. It must be called
// before serving a leader-only consistency-sensitive operation.
//
// Concurrent calls coalesce: while one caller performs the underlying wait,
// the rest enqueue and receive the identical outcome, except callers whose
// own timeout elapses first, which resolve to false independently. Failures
// and timeouts are logged and surfaced as false; retry policy is the
// caller's.
func (s *StateMachine) Sync(timeout time.Duration) bool {
	term := s.log.CurrentTerm()
	if !s.log.IsLeader() {
		return false
	}

	s.mut.Lock()
	if s.insyncTerm == term {
		s.mut.Unlock()
		return true
	}
	if s.catchingUp {
		waiter := make(chan bool, 1)
		s.syncWaiters = append(s.syncWaiters, waiter)
		s.mut.Unlock()

		select {
		case synced := <-waiter:
			return synced
		case <-time.After(timeout):
			return false
		}
	}
	s.catchingUp = true
	s.mut.Unlock()

	dirty := s.log.DirtyOffset()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	synced := false
	if err := s.log.RefreshCommitIndex(ctx); err != nil {
		s.logger.Errorf("sync error: refreshing commit index failed with %v; dirty=%d, term=%d", err, dirty, term)
	} else {
		synced = s.doSync(ctx, dirty, term)
	}

	s.mut.Lock()
	s.catchingUp = false
	for _, waiter := range s.syncWaiters {
		waiter <- synced
	}
	s.syncWaiters = nil
	s.mut.Unlock()
	return synced
}

func (s *StateMachine) doSync(ctx context.Context, offset Offset, term Term) bool {
	committed := s.log.CommittedOffset()
	if offset > committed {
		if err := s.waitOffsetCommitted(ctx, offset, term); err != nil {
			s.logger.Errorf("sync error: wait_offset_committed failed with %v; offsets: dirty=%d, committed=%d",
				err, offset, committed)
			return false
		}
	} else {
		offset = committed
	}

	if s.log.CurrentTerm() != term {
		// Leadership shifted mid-sync; no consistency claim can be made.
		return false
	}

	if err := s.hooks.WaitUntilApplied(ctx, offset); err != nil {
		s.logger.Errorf("sync error: waiting for offset=%d failed with %v; committed offset=%d", offset, err, committed)
		return false
	}

	s.mut.Lock()
	s.insyncTerm = term
	s.mut.Unlock()
	return true
}

func (s *StateMachine) waitOffsetCommitted(ctx context.Context, offset Offset, term Term) error {
	return s.log.CommitIndexSignal().Wait(ctx, func() bool {
		return s.log.CommittedOffset() >= offset || s.log.CurrentTerm() > term
	})
}

// WaitApplied waits for the apply loop to reach offset, converting any
// failure or timeout into a logged false.
func (s *StateMachine) WaitApplied(offset Offset, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.hooks.WaitUntilApplied(ctx, offset); err != nil {
		s.logger.Errorf("An error %v happened during waiting for offset: %d", err, offset)
		return false
	}
	return true
}

// Close waits for in-flight background snapshot tasks to drain.
func (s *StateMachine) Close() {
	s.gate.Wait()
}

func (s *StateMachine) acquireOpLock(ctx context.Context) error {
	select {
	case s.opLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StateMachine) releaseOpLock() {
	<-s.opLock
}
