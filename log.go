package persistm

import (
	"context"
	"fmt"
	"sync"
)

// Offset is a position in the replicated log. Offsets are dense and totally
// ordered; negative values mean "none".
type Offset = int64

// Term is a leader epoch. Terms strictly increase across leadership changes.
type Term = int64

// Record is a committed log record handed to the apply loop.
type Record struct {
	Offset Offset
	Term   Term
	Data   []byte
}

// nextOffset returns the offset immediately following o.
func nextOffset(o Offset) Offset {
	return o + 1
}

// ReplicatedLog is the consensus log a StateMachine observes. The state
// machine layer only reads this interface; it never mutates the log.
type ReplicatedLog interface {
	// CommittedOffset returns the highest offset known durable across a quorum,
	// or -1 if nothing has committed.
	CommittedOffset() Offset

	// DirtyOffset returns the highest appended (possibly uncommitted) offset,
	// or -1 if the log is empty.
	DirtyOffset() Offset

	CurrentTerm() Term

	IsLeader() bool

	// EarliestRetainedOffset returns the first offset the log still retains,
	// or -1 if the log has never had records.
	EarliestRetainedOffset() Offset

	// RefreshCommitIndex forces the log to learn the latest quorum commit index
	// from its leader.
	RefreshCommitIndex(ctx context.Context) error

	// CommitIndexSignal is broadcast whenever the commit index advances or the
	// retained prefix is truncated.
	CommitIndexSignal() *Signal

	// ReadCommitted returns up to maxRecords committed records starting at
	// from. It returns at least one record when from is retained and at or
	// below the committed offset.
	ReadCommitted(from Offset, maxRecords int) ([]Record, error)
}

// MemoryLog is an in-memory ReplicatedLog with explicit leadership, term and
// commit controls. It backs tests and single-node standalone deployments.
type MemoryLog struct {
	mut       sync.Mutex
	records   []Record
	start     Offset // Offset of records[0].
	next      Offset
	committed Offset
	term      Term
	leader    bool
	signal    *Signal

	// OnRefresh, if set, runs on every RefreshCommitIndex call.
	OnRefresh func()
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		committed: -1,
		signal:    NewSignal(),
	}
}

func (m *MemoryLog) CommittedOffset() Offset {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.committed
}

func (m *MemoryLog) DirtyOffset() Offset {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.next - 1
}

func (m *MemoryLog) CurrentTerm() Term {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.term
}

func (m *MemoryLog) IsLeader() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.leader
}

func (m *MemoryLog) EarliestRetainedOffset() Offset {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.next == 0 && m.start == 0 {
		return -1
	}
	return m.start
}

func (m *MemoryLog) RefreshCommitIndex(ctx context.Context) error {
	m.mut.Lock()
	refresh := m.OnRefresh
	m.mut.Unlock()

	if refresh != nil {
		refresh()
	}
	return ctx.Err()
}

func (m *MemoryLog) CommitIndexSignal() *Signal {
	return m.signal
}

func (m *MemoryLog) ReadCommitted(from Offset, maxRecords int) ([]Record, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if from < m.start {
		return nil, fmt.Errorf("offset %d evicted, log starts at %d", from, m.start)
	}
	if from > m.committed {
		return []Record{}, nil
	}

	to := m.committed
	if maxRecords > 0 && from+Offset(maxRecords)-1 < to {
		to = from + Offset(maxRecords) - 1
	}
	records := make([]Record, 0, to-from+1)
	for o := from; o <= to; o++ {
		records = append(records, m.records[o-m.start])
	}
	return records, nil
}

// Append appends a record under the current term and returns its offset.
func (m *MemoryLog) Append(data []byte) Offset {
	m.mut.Lock()
	defer m.mut.Unlock()

	offset := m.next
	m.records = append(m.records, Record{Offset: offset, Term: m.term, Data: data})
	m.next++
	return offset
}

// Commit advances the commit index up to offset (bounded by the dirty offset)
// and notifies subscribers.
func (m *MemoryLog) Commit(offset Offset) {
	m.mut.Lock()
	if offset > m.next-1 {
		offset = m.next - 1
	}
	advanced := offset > m.committed
	if advanced {
		m.committed = offset
	}
	m.mut.Unlock()

	if advanced {
		m.signal.Broadcast()
	}
}

// CommitAll commits everything appended so far.
func (m *MemoryLog) CommitAll() {
	m.Commit(m.DirtyOffset())
}

// TruncatePrefix drops all records below newStart, simulating log eviction.
func (m *MemoryLog) TruncatePrefix(newStart Offset) {
	m.mut.Lock()
	if newStart > m.start {
		drop := newStart - m.start
		if drop > Offset(len(m.records)) {
			drop = Offset(len(m.records))
		}
		m.records = m.records[drop:]
		m.start = newStart
		if m.next < newStart {
			m.next = newStart
		}
		if m.committed < newStart-1 {
			m.committed = newStart - 1
		}
	}
	m.mut.Unlock()

	m.signal.Broadcast()
}

func (m *MemoryLog) SetLeader(leader bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.leader = leader
}

// AdvanceTerm bumps the current term, as a leadership change would.
func (m *MemoryLog) AdvanceTerm() Term {
	m.mut.Lock()
	m.term++
	term := m.term
	m.mut.Unlock()

	m.signal.Broadcast()
	return term
}
