package persistm

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// Config configures a StateMachine.
type Config struct {
	// Name identifies the partition replica in logs and diagnostics.
	Name string

	// Log is the consensus log this replica observes. Shared, never mutated.
	Log ReplicatedLog

	// Hooks is the derived state machine.
	Hooks StateHooks

	// Store holds this replica's snapshots. Exclusively owned by the
	// StateMachine.
	Store SnapshotStore

	// MaxCollectibleOffset, if set, overrides the retention watermark reported
	// to log compaction. Defaults to unbounded.
	MaxCollectibleOffset func() Offset

	Logger *zap.Logger
}

func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("Name is required")
	}
	if c.Log == nil {
		return fmt.Errorf("Log is required")
	}
	if c.Hooks == nil {
		return fmt.Errorf("Hooks is required")
	}
	if c.Store == nil {
		return fmt.Errorf("Store is required")
	}
	return nil
}

func (c Config) LoggerOrNoop() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c Config) String() string {
	return fmt.Sprintf("Config{Name: %s, Log: %s, Hooks: %s, Store: %s}",
		c.Name, reflect.TypeOf(c.Log), reflect.TypeOf(c.Hooks), reflect.TypeOf(c.Store))
}
