package kvstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mizosoft/persistm"
	"go.uber.org/zap"
)

// Derived state machine example: a replicated string map persisted through
// persistm. Commands flow through the replicated log; snapshots capture the
// whole map.

const snapshotPayloadVersion uint8 = 1

const defaultProposeTimeout = 5 * time.Second

type CommandType = int

const (
	commandTypePut CommandType = iota
	commandTypePutIfAbsent
	commandTypeDel
	commandTypeCas
)

type Command struct {
	Id            string
	ServerId      string
	Type          CommandType
	Key           string
	Value         string
	ExpectedValue string
}

type publisher struct {
	listeners map[string]chan any
	mut       sync.Mutex
}

func (p *publisher) listen(id string) chan any {
	p.mut.Lock()
	defer p.mut.Unlock()

	listenChan := make(chan any, 1)
	p.listeners[id] = listenChan
	return listenChan
}

func (p *publisher) forget(id string) {
	p.mut.Lock()
	defer p.mut.Unlock()

	delete(p.listeners, id)
}

func (p *publisher) publish(id string, value any) {
	p.mut.Lock()
	defer p.mut.Unlock()

	listenChan, ok := p.listeners[id]
	if !ok {
		return
	}
	delete(p.listeners, id)
	listenChan <- value
}

type Config struct {
	Id string

	// Log is the replicated command log. Single-voter standalone mode: local
	// appends commit immediately.
	Log *persistm.MemoryLog

	Store persistm.SnapshotStore

	// SnapshotEvery triggers a background snapshot after that many applied
	// commands. Zero disables the trigger.
	SnapshotEvery int

	// SyncTimeout bounds the leader sync performed by linearizable reads.
	SyncTimeout time.Duration

	ProposeTimeout time.Duration

	Logger *zap.Logger
}

func (c Config) Validate() error {
	if c.Id == "" {
		return fmt.Errorf("Id is required")
	}
	if c.Log == nil {
		return fmt.Errorf("Log is required")
	}
	if c.Store == nil {
		return fmt.Errorf("Store is required")
	}
	return nil
}

// Store is the replicated KV map. It implements persistm.StateHooks: the
// embedded Applier drives the apply cursor and the snapshot hooks serialize
// the map.
type Store struct {
	*persistm.Applier

	id             string
	log            *persistm.MemoryLog
	stm            *persistm.StateMachine
	publisher      *publisher
	logger         *zap.SugaredLogger
	syncTimeout    time.Duration
	proposeTimeout time.Duration
	snapshotEvery  int

	mut          sync.RWMutex
	data         map[string]string
	appliedCount int
}

func New(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	syncTimeout := config.SyncTimeout
	if syncTimeout == 0 {
		syncTimeout = time.Second
	}
	proposeTimeout := config.ProposeTimeout
	if proposeTimeout == 0 {
		proposeTimeout = defaultProposeTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		id:             config.Id,
		log:            config.Log,
		publisher:      &publisher{listeners: make(map[string]chan any)},
		logger:         logger.Sugar().Named("kvstore." + config.Id),
		syncTimeout:    syncTimeout,
		proposeTimeout: proposeTimeout,
		snapshotEvery:  config.SnapshotEvery,
		data:           make(map[string]string),
	}

	applier, err := persistm.NewApplier(persistm.ApplierConfig{
		Log:        config.Log,
		Apply:      s.apply,
		OnEviction: s.onEviction,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	s.Applier = applier

	stm, err := persistm.New(persistm.Config{
		Name:   "kvstore-" + config.Id,
		Log:    config.Log,
		Hooks:  s,
		Store:  config.Store,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	s.stm = stm
	return s, nil
}

// StateMachine exposes the persistence layer, e.g. for snapshot scheduling.
func (s *Store) StateMachine() *persistm.StateMachine {
	return s.stm
}

// Start hydrates from the latest snapshot and launches the apply loop. The
// loop runs until ctx is canceled.
func (s *Store) Start(ctx context.Context) error {
	if err := s.stm.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorf("Apply loop terminated: %v", err)
		}
	}()
	return nil
}

// Close drains in-flight background snapshots.
func (s *Store) Close() {
	s.stm.Close()
}

func (s *Store) apply(ctx context.Context, records []persistm.Record) error {
	for _, record := range records {
		cmd, err := deserializeCommand(record.Data)
		if err != nil {
			return fmt.Errorf("corrupt command at offset %d: %w", record.Offset, err)
		}

		response := s.processCommand(cmd)
		if cmd.ServerId == s.id {
			s.publisher.publish(cmd.Id, response)
		}
	}

	if s.snapshotEvery > 0 {
		s.appliedCount += len(records)
		if s.appliedCount >= s.snapshotEvery {
			s.appliedCount = 0
			s.stm.MakeSnapshotInBackground()
		}
	}
	return nil
}

func (s *Store) onEviction(ctx context.Context, newStart persistm.Offset) error {
	s.OnEvictionDetected()
	return nil
}

func (s *Store) processCommand(cmd *Command) any {
	switch cmd.Type {
	case commandTypePut:
		return s.put(cmd.Key, cmd.Value)
	case commandTypePutIfAbsent:
		return s.putIfAbsent(cmd.Key, cmd.Value)
	case commandTypeDel:
		return s.del(cmd.Key)
	case commandTypeCas:
		return s.cas(cmd.Key, cmd.ExpectedValue, cmd.Value)
	default:
		s.logger.Panicf("unknown command type: %v", cmd.Type)
		return nil
	}
}

// TakeSnapshot captures the map at the applied watermark. The watermark is
// read before the map, so the header offset never exceeds the state the
// payload reflects.
func (s *Store) TakeSnapshot(ctx context.Context) (persistm.Snapshot, error) {
	offset := s.AppliedOffset()

	s.mut.RLock()
	payload, err := serializeData(s.data)
	s.mut.RUnlock()
	if err != nil {
		return persistm.Snapshot{}, err
	}
	return persistm.NewSnapshot(offset, snapshotPayloadVersion, payload), nil
}

func (s *Store) ApplySnapshot(ctx context.Context, header persistm.SnapshotHeader, payload []byte) error {
	if header.Version != snapshotPayloadVersion {
		return fmt.Errorf("unsupported kvstore snapshot version %d", header.Version)
	}

	data, err := deserializeData(payload)
	if err != nil {
		return err
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	s.data = data
	return nil
}

// OnEvictionDetected drops local state; the map is rebuilt by replaying the
// retained log from its new start.
func (s *Store) OnEvictionDetected() {
	s.logger.Warnf("Log evicted past known state, rebuilding from retained log")

	s.mut.Lock()
	defer s.mut.Unlock()
	s.data = make(map[string]string)
}

type GetResponse struct {
	Exists bool   `json:"exists"`
	Value  string `json:"value"`
}

type PutResponse struct {
	Exists        bool   `json:"exists"`
	PreviousValue string `json:"previousValue"`
}

type PutIfAbsentResponse struct {
	Exists bool `json:"exists"`
}

type DeleteResponse struct {
	Exists bool   `json:"exists"`
	Value  string `json:"value"`
}

type CasResponse struct {
	Exists bool   `json:"exists"`
	Value  string `json:"currValue"`
}

// Put replicates a put and returns the previous binding.
func (s *Store) Put(key, value string) (*PutResponse, error) {
	return propose[PutResponse](s, &Command{Type: commandTypePut, Key: key, Value: value})
}

// PutIfAbsent replicates a put that only takes effect when the key is absent.
func (s *Store) PutIfAbsent(key, value string) (*PutIfAbsentResponse, error) {
	return propose[PutIfAbsentResponse](s, &Command{Type: commandTypePutIfAbsent, Key: key, Value: value})
}

// Delete replicates a delete.
func (s *Store) Delete(key string) (*DeleteResponse, error) {
	return propose[DeleteResponse](s, &Command{Type: commandTypeDel, Key: key})
}

// Cas replicates a compare-and-swap.
func (s *Store) Cas(key, expectedValue, value string) (*CasResponse, error) {
	return propose[CasResponse](s, &Command{Type: commandTypeCas, Key: key, ExpectedValue: expectedValue, Value: value})
}

// Get reads a key. A linearizable read first establishes a leader read point
// through Sync; a plain read serves local, possibly stale state.
func (s *Store) Get(key string, linearizable bool) (*GetResponse, error) {
	if linearizable && !s.stm.Sync(s.syncTimeout) {
		return nil, fmt.Errorf("not an in-sync leader")
	}
	return s.get(key), nil
}

func propose[T any](s *Store, cmd *Command) (*T, error) {
	cmd.Id = uuid.New().String()
	cmd.ServerId = s.id

	data, err := serializeCommand(cmd)
	if err != nil {
		return nil, err
	}

	notify := s.publisher.listen(cmd.Id)
	offset := s.log.Append(data)
	s.log.Commit(offset)

	select {
	case result := <-notify:
		response, ok := result.(*T)
		if !ok {
			return nil, fmt.Errorf("unexpected response type %T", result)
		}
		return response, nil
	case <-time.After(s.proposeTimeout):
		s.publisher.forget(cmd.Id)
		return nil, fmt.Errorf("timed out waiting for command %s to apply", cmd.Id)
	}
}

func (s *Store) get(key string) *GetResponse {
	s.mut.RLock()
	defer s.mut.RUnlock()

	value, ok := s.data[key]
	return &GetResponse{Exists: ok, Value: value}
}

func (s *Store) put(key, value string) *PutResponse {
	s.mut.Lock()
	defer s.mut.Unlock()

	prevValue, ok := s.data[key]
	s.data[key] = value
	return &PutResponse{Exists: ok, PreviousValue: prevValue}
}

func (s *Store) putIfAbsent(key, value string) *PutIfAbsentResponse {
	s.mut.Lock()
	defer s.mut.Unlock()

	_, ok := s.data[key]
	if !ok {
		s.data[key] = value
	}
	return &PutIfAbsentResponse{Exists: ok}
}

func (s *Store) del(key string) *DeleteResponse {
	s.mut.Lock()
	defer s.mut.Unlock()

	value, ok := s.data[key]
	if ok {
		delete(s.data, key)
	}
	return &DeleteResponse{Exists: ok, Value: value}
}

func (s *Store) cas(key, expectedValue, value string) *CasResponse {
	s.mut.Lock()
	defer s.mut.Unlock()

	currValue, ok := s.data[key]
	if ok && currValue == expectedValue {
		s.data[key] = value
		currValue = value
	}
	return &CasResponse{Exists: ok, Value: currValue}
}

func serializeCommand(cmd *Command) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func serializeData(data map[string]string) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeData(payload []byte) (map[string]string, error) {
	var data map[string]string
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
