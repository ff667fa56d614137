package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mizosoft/persistm"
	"github.com/mizosoft/persistm/testutil"
	"gotest.tools/v3/assert"
)

func newTestStore(t *testing.T, config Config) (*Store, context.CancelFunc) {
	t.Helper()

	if config.Id == "" {
		config.Id = "s0"
	}
	if config.Log == nil {
		config.Log = newStandaloneLog()
	}
	if config.Store == nil {
		store, err := persistm.OpenFileSnapshotStore(persistm.FileStoreOptions{
			Dir:  t.TempDir(),
			Name: config.Id,
		})
		assert.NilError(t, err)
		config.Store = store
	}
	if config.Logger == nil {
		config.Logger = testutil.Logger(t)
	}

	s, err := New(config)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	assert.NilError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s, cancel
}

func newStandaloneLog() *persistm.MemoryLog {
	log := persistm.NewMemoryLog()
	log.SetLeader(true)
	log.AdvanceTerm()
	return log
}

func TestPutAndGet(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	put, err := s.Put("k", "v1")
	assert.NilError(t, err)
	assert.Equal(t, put.Exists, false)

	put, err = s.Put("k", "v2")
	assert.NilError(t, err)
	assert.Equal(t, put.Exists, true)
	assert.Equal(t, put.PreviousValue, "v1")

	get, err := s.Get("k", false)
	assert.NilError(t, err)
	assert.Equal(t, get.Exists, true)
	assert.Equal(t, get.Value, "v2")

	get, err = s.Get("missing", false)
	assert.NilError(t, err)
	assert.Equal(t, get.Exists, false)
}

func TestPutIfAbsent(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	res, err := s.PutIfAbsent("k", "v1")
	assert.NilError(t, err)
	assert.Equal(t, res.Exists, false)

	res, err = s.PutIfAbsent("k", "v2")
	assert.NilError(t, err)
	assert.Equal(t, res.Exists, true)

	get, err := s.Get("k", false)
	assert.NilError(t, err)
	assert.Equal(t, get.Value, "v1")
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	_, err := s.Put("k", "v")
	assert.NilError(t, err)

	del, err := s.Delete("k")
	assert.NilError(t, err)
	assert.Equal(t, del.Exists, true)
	assert.Equal(t, del.Value, "v")

	del, err = s.Delete("k")
	assert.NilError(t, err)
	assert.Equal(t, del.Exists, false)

	get, err := s.Get("k", false)
	assert.NilError(t, err)
	assert.Equal(t, get.Exists, false)
}

func TestCas(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	_, err := s.Put("k", "v1")
	assert.NilError(t, err)

	cas, err := s.Cas("k", "v1", "v2")
	assert.NilError(t, err)
	assert.Equal(t, cas.Exists, true)
	assert.Equal(t, cas.Value, "v2")

	// Mismatched expectation leaves the binding alone.
	cas, err = s.Cas("k", "v1", "v3")
	assert.NilError(t, err)
	assert.Equal(t, cas.Value, "v2")

	cas, err = s.Cas("missing", "x", "y")
	assert.NilError(t, err)
	assert.Equal(t, cas.Exists, false)
}

func TestLinearizableGet(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	_, err := s.Put("k", "v")
	assert.NilError(t, err)

	get, err := s.Get("k", true)
	assert.NilError(t, err)
	assert.Equal(t, get.Value, "v")
}

func TestLinearizableGetFailsOnNonLeader(t *testing.T) {
	log := newStandaloneLog()
	s, _ := newTestStore(t, Config{Log: log})

	_, err := s.Put("k", "v")
	assert.NilError(t, err)

	log.SetLeader(false)
	_, err = s.Get("k", true)
	assert.ErrorContains(t, err, "not an in-sync leader")

	// Plain reads still serve local state.
	get, err := s.Get("k", false)
	assert.NilError(t, err)
	assert.Equal(t, get.Value, "v")
}

func TestSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	log := newStandaloneLog()
	snapshotStore, err := persistm.OpenFileSnapshotStore(persistm.FileStoreOptions{Dir: dir, Name: "s0"})
	assert.NilError(t, err)

	s, cancel := newTestStore(t, Config{Log: log, Store: snapshotStore})
	_, err = s.Put("a", "1")
	assert.NilError(t, err)
	_, err = s.Put("b", "2")
	assert.NilError(t, err)

	assert.NilError(t, s.StateMachine().MakeSnapshot(context.Background()))
	assert.Equal(t, s.StateMachine().LastSnapshotOffset(), s.AppliedOffset())
	cancel()
	s.Close()

	// A fresh instance hydrates from the snapshot even with the log prefix
	// gone.
	log.TruncatePrefix(s.AppliedOffset() + 1)
	restoredStore, err := persistm.OpenFileSnapshotStore(persistm.FileStoreOptions{Dir: dir, Name: "s0"})
	assert.NilError(t, err)
	restored, _ := newTestStore(t, Config{Log: log, Store: restoredStore})

	get, err := restored.Get("a", false)
	assert.NilError(t, err)
	assert.Equal(t, get.Value, "1")
	get, err = restored.Get("b", false)
	assert.NilError(t, err)
	assert.Equal(t, get.Value, "2")
}

func TestPeriodicSnapshotTrigger(t *testing.T) {
	s, _ := newTestStore(t, Config{SnapshotEvery: 2})

	_, err := s.Put("a", "1")
	assert.NilError(t, err)
	_, err = s.Put("b", "2")
	assert.NilError(t, err)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return s.StateMachine().LastSnapshotOffset() >= 0
	})
}

func TestEvictionRebuildsFromRetainedLog(t *testing.T) {
	log := newStandaloneLog()
	s, _ := newTestStore(t, Config{Log: log})

	_, err := s.Put("old", "1")
	assert.NilError(t, err)

	// The log evicts past this replica's apply cursor.
	log.TruncatePrefix(log.DirtyOffset() + 2)

	_, err = s.Put("new", "2")
	assert.NilError(t, err)

	get, err := s.Get("old", false)
	assert.NilError(t, err)
	assert.Equal(t, get.Exists, false)
	get, err = s.Get("new", false)
	assert.NilError(t, err)
	assert.Equal(t, get.Value, "2")
}

func TestCommandSerialization(t *testing.T) {
	cmd := &Command{
		Id:            "id",
		ServerId:      "s0",
		Type:          commandTypeCas,
		Key:           "k",
		Value:         "v",
		ExpectedValue: "e",
	}

	data, err := serializeCommand(cmd)
	assert.NilError(t, err)
	got, err := deserializeCommand(data)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, cmd)
}

func postJson(t *testing.T, server *httptest.Server, path string, request any) *http.Response {
	t.Helper()

	body, err := json.Marshal(request)
	assert.NilError(t, err)
	res, err := http.Post(server.URL+path, "application/json", bytes.NewReader(body))
	assert.NilError(t, err)
	return res
}

func TestHttpApi(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	res := postJson(t, server, "/put", PutRequest{Key: "k", Value: "v"})
	assert.Equal(t, res.StatusCode, http.StatusOK)
	var put PutResponse
	assert.NilError(t, json.NewDecoder(res.Body).Decode(&put))
	res.Body.Close()
	assert.Equal(t, put.Exists, false)

	res = postJson(t, server, "/get", GetRequest{Key: "k", Linearizable: true})
	assert.Equal(t, res.StatusCode, http.StatusOK)
	var get GetResponse
	assert.NilError(t, json.NewDecoder(res.Body).Decode(&get))
	res.Body.Close()
	assert.Equal(t, get.Exists, true)
	assert.Equal(t, get.Value, "v")

	res = postJson(t, server, "/delete", DeleteRequest{Key: "k"})
	assert.Equal(t, res.StatusCode, http.StatusOK)
	var del DeleteResponse
	assert.NilError(t, json.NewDecoder(res.Body).Decode(&del))
	res.Body.Close()
	assert.Equal(t, del.Exists, true)

	res = postJson(t, server, "/get", GetRequest{Key: "k"})
	assert.Equal(t, res.StatusCode, http.StatusOK)
	assert.NilError(t, json.NewDecoder(res.Body).Decode(&get))
	res.Body.Close()
	assert.Equal(t, get.Exists, false)
}

func TestLinearizableGetOverHttpFailsOnNonLeader(t *testing.T) {
	log := newStandaloneLog()
	s, _ := newTestStore(t, Config{Log: log})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	log.SetLeader(false)
	res := postJson(t, server, "/get", GetRequest{Key: "k", Linearizable: true})
	defer res.Body.Close()
	assert.Equal(t, res.StatusCode, http.StatusServiceUnavailable)
}
