package persistm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const defaultApplyBatchSize = 256

// ApplierConfig configures an Applier.
type ApplierConfig struct {
	Log ReplicatedLog

	// Apply consumes a batch of committed records, in offset order.
	Apply func(ctx context.Context, records []Record) error

	// OnEviction, if set, runs when the log has been truncated past the apply
	// cursor; newStart is the log's new earliest retained offset. The applier
	// resets its cursor to newStart afterwards.
	OnEviction func(ctx context.Context, newStart Offset) error

	// BatchSize bounds the records read per Apply call.
	BatchSize int

	Logger *zap.Logger
}

func (c ApplierConfig) Validate() error {
	if c.Log == nil {
		return fmt.Errorf("Log is required")
	}
	if c.Apply == nil {
		return fmt.Errorf("Apply is required")
	}
	return nil
}

// Applier drives the apply loop of a derived state machine: it consumes
// committed records in order, maintains the applied watermark, and detects
// log eviction past the cursor. It provides the cursor-related half of
// StateHooks, so derived services embed one and add the snapshot hooks.
type Applier struct {
	log        ReplicatedLog
	apply      func(ctx context.Context, records []Record) error
	onEviction func(ctx context.Context, newStart Offset) error
	batchSize  int
	logger     *zap.SugaredLogger

	mut     sync.Mutex
	next    Offset
	applied Offset
	signal  *Signal
}

func NewApplier(config ApplierConfig) (*Applier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = defaultApplyBatchSize
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		log:        config.Log,
		apply:      config.Apply,
		onEviction: config.OnEviction,
		batchSize:  batchSize,
		logger:     logger.Sugar(),
		applied:    -1,
		signal:     NewSignal(),
	}, nil
}

// Run consumes committed records until ctx is canceled. It returns the
// context error on cancellation and any apply or read failure otherwise.
func (a *Applier) Run(ctx context.Context) error {
	for {
		next := a.NextOffset()
		err := a.log.CommitIndexSignal().Wait(ctx, func() bool {
			return a.log.CommittedOffset() >= next || a.log.EarliestRetainedOffset() > next
		})
		if err != nil {
			return err
		}

		if start := a.log.EarliestRetainedOffset(); start > next {
			a.logger.Warnf("Log evicted past apply cursor (%d -> %d)", next, start)
			if a.onEviction != nil {
				if err := a.onEviction(ctx, start); err != nil {
					return err
				}
			}
			a.ResetApplyCursor(start)
			continue
		}

		if a.log.CommittedOffset() < next {
			continue
		}

		records, err := a.log.ReadCommitted(next, a.batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("no committed records at offset %d", next)
		}

		if err := a.apply(ctx, records); err != nil {
			return err
		}

		last := records[len(records)-1].Offset
		a.mut.Lock()
		a.next = nextOffset(last)
		if last > a.applied {
			a.applied = last
		}
		a.mut.Unlock()
		a.signal.Broadcast()
	}
}

// WaitUntilApplied blocks until the applied watermark reaches offset or the
// context expires.
func (a *Applier) WaitUntilApplied(ctx context.Context, offset Offset) error {
	return a.signal.Wait(ctx, func() bool {
		return a.AppliedOffset() >= offset
	})
}

// ResetApplyCursor positions the loop to consume from offset next. The
// applied watermark becomes offset's predecessor.
func (a *Applier) ResetApplyCursor(offset Offset) {
	a.mut.Lock()
	a.next = offset
	a.applied = offset - 1
	a.mut.Unlock()

	// A forward reset can satisfy pending watermark waits.
	a.signal.Broadcast()
}

func (a *Applier) AppliedOffset() Offset {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.applied
}

func (a *Applier) NextOffset() Offset {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.next
}
