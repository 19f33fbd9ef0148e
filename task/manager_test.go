// transferd/task/manager_test.go
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"transferd/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAdapter is an in-memory EngineAdapter for testing.
type mockAdapter struct {
	mu           sync.Mutex
	events       chan EngineEvent
	started      []Task
	stopped      []string
	startErr     error
	seq          int
	startGate    chan struct{}
	startEntered chan struct{}
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{events: make(chan EngineEvent, 64)}
}

// blockStarts makes subsequent Start calls block until the returned release
// channel is closed; entered receives once per blocked call.
func (a *mockAdapter) blockStarts() (entered chan struct{}, release chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startGate = make(chan struct{})
	a.startEntered = make(chan struct{}, 8)
	return a.startEntered, a.startGate
}

func (a *mockAdapter) Start(ctx context.Context, t Task) (string, error) {
	a.mu.Lock()
	gate, entered := a.startGate, a.startEntered
	a.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return "", a.startErr
	}
	a.seq++
	ref := fmt.Sprintf("ref-%d", a.seq)
	a.started = append(a.started, t)
	return ref, nil
}

func (a *mockAdapter) Stop(ctx context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = append(a.stopped, ref)
	return nil
}

func (a *mockAdapter) Events() <-chan EngineEvent { return a.events }

func (a *mockAdapter) stoppedRefs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.stopped...)
}

func (a *mockAdapter) startedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.started)
}

func (a *mockAdapter) done(ref string) {
	a.events <- EngineEvent{Ref: ref, Type: EventPhaseDone}
}

func (a *mockAdapter) fail(ref, reason string) {
	a.events <- EngineEvent{Ref: ref, Type: EventPhaseError, Reason: reason}
}

func (a *mockAdapter) progress(ref string, done, total, rate int64) {
	a.events <- EngineEvent{Ref: ref, Type: EventProgress, Done: done, Total: total, Rate: rate}
}

// pausableAdapter adds the optional pause capability.
type pausableAdapter struct {
	*mockAdapter
	paused  []string
	resumed []string
}

func (a *pausableAdapter) Pause(ctx context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = append(a.paused, ref)
	return nil
}

func (a *pausableAdapter) Resume(ctx context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumed = append(a.resumed, ref)
	return nil
}

// mockRecoveryLog records entries in memory.
type mockRecoveryLog struct {
	mu      sync.Mutex
	entries map[string]map[string]RecoveryEntry
}

func newMockRecoveryLog() *mockRecoveryLog {
	return &mockRecoveryLog{entries: map[string]map[string]RecoveryEntry{}}
}

func (l *mockRecoveryLog) Record(owner string, e RecoveryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries[owner] == nil {
		l.entries[owner] = map[string]RecoveryEntry{}
	}
	l.entries[owner][e.TaskID] = e
	return nil
}

func (l *mockRecoveryLog) Clear(owner, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries[owner], taskID)
	return nil
}

func (l *mockRecoveryLog) LoadAll() (map[string][]RecoveryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string][]RecoveryEntry{}
	for owner, m := range l.entries {
		for _, e := range m {
			out[owner] = append(out[owner], e)
		}
	}
	return out, nil
}

func (l *mockRecoveryLog) has(owner, taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[owner][taskID]
	return ok
}

// mockNotifier records outbound messages.
type mockNotifier struct {
	mu       sync.Mutex
	pushes   map[string][]string
	notifies map[string][]string
	failPush bool
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{pushes: map[string][]string{}, notifies: map[string][]string{}}
}

func (n *mockNotifier) Push(listener, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failPush {
		return errors.New("push failed")
	}
	n.pushes[listener] = append(n.pushes[listener], text)
	return nil
}

func (n *mockNotifier) Notify(owner, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifies[owner] = append(n.notifies[owner], text)
	return nil
}

func (n *mockNotifier) pushCount(listener string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pushes[listener])
}

func testConfig() *config.Config {
	return &config.Config{
		MaxActive:         4,
		MaxActivePerOwner: 2,
		MaxQueuedPerOwner: 8,
		StatusInterval:    10 * time.Millisecond,
		StatusMaxInterval: 100 * time.Millisecond,
		MessageLimit:      4000,
	}
}

type testEnv struct {
	m        *Manager
	download *mockAdapter
	upload   *mockAdapter
	rec      *mockRecoveryLog
	notifier *mockNotifier
	cancel   context.CancelFunc
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	download := newMockAdapter()
	upload := newMockAdapter()
	rec := newMockRecoveryLog()
	notifier := newMockNotifier()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	m := NewManager(cfg, Engines{Download: download, Upload: upload}, rec, notifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(cancel)

	return &testEnv{m: m, download: download, upload: upload, rec: rec, notifier: notifier, cancel: cancel}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (e *testEnv) submit(t *testing.T, owner string) Task {
	t.Helper()
	tk, err := e.m.Submit(Spec{
		Kind:      KindDownload,
		Owner:     owner,
		Source:    "http://example.com/file.bin",
		Listeners: []string{owner},
	})
	require.NoError(t, err)
	return tk
}

func (e *testEnv) waitState(t *testing.T, id string, want State) Task {
	t.Helper()
	var got Task
	require.Eventually(t, func() bool {
		tk, ok := e.m.Get(id)
		got = tk
		return ok && tk.State == want
	}, time.Second, 2*time.Millisecond, "task %s never reached %s (last: %s)", id, want, got.State)
	return got
}

func TestSubmitStartsWhenSlotFree(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tk := env.submit(t, "alice")
	assert.Equal(t, StateActive, tk.State)
	assert.Equal(t, 1, env.download.startedCount())
	assert.True(t, env.rec.has("alice", tk.ID))
}

func TestSubmitQueuesAtOwnerCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActivePerOwner = 1
	env := newTestEnv(t, cfg)

	t1 := env.submit(t, "alice")
	t2 := env.submit(t, "alice")

	assert.Equal(t, StateActive, t1.State)
	assert.Equal(t, StateQueued, t2.State)
	assert.Equal(t, 1, env.download.startedCount())

	// Queued tasks have no engine ref and no recovery entry.
	assert.Empty(t, t2.EngineRef)
	assert.False(t, env.rec.has("alice", t2.ID))
}

func TestSubmitCapacityExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	cfg.MaxQueuedPerOwner = 1
	env := newTestEnv(t, cfg)

	env.submit(t, "alice")
	env.submit(t, "alice")

	_, err := env.m.Submit(Spec{Kind: KindDownload, Owner: "alice", Source: "http://x"})
	require.ErrorIs(t, err, ErrCapacity)

	// The rejected task must not linger in the registry.
	assert.Len(t, env.m.List("alice"), 2)
}

func TestGlobalCeilingNeverExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 2
	cfg.MaxActivePerOwner = 2
	env := newTestEnv(t, cfg)

	for i := 0; i < 3; i++ {
		env.submit(t, fmt.Sprintf("owner-%d", i))
	}

	active := 0
	for _, tk := range env.m.List("") {
		if tk.State == StateActive {
			active++
		}
	}
	assert.Equal(t, 2, active)
	assert.Equal(t, 2, env.m.adm.ActiveCount())
}

func TestPhaseDoneSucceedsAndPromotes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	env := newTestEnv(t, cfg)

	t1 := env.submit(t, "alice")
	t2 := env.submit(t, "bob")
	assert.Equal(t, StateQueued, t2.State)

	env.download.done(t1.EngineRef)

	env.waitState(t, t1.ID, StateSucceeded)
	promoted := env.waitState(t, t2.ID, StateActive)
	assert.NotEmpty(t, promoted.EngineRef)

	// T1's recovery entry is gone, T2's exists.
	assert.False(t, env.rec.has("alice", t1.ID))
	assert.True(t, env.rec.has("bob", t2.ID))
}

func TestPhaseErrorFailsTaskAndReleasesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	env := newTestEnv(t, cfg)

	t1 := env.submit(t, "alice")
	t2 := env.submit(t, "bob")

	env.download.fail(t1.EngineRef, "disk full")

	failed := env.waitState(t, t1.ID, StateFailed)
	assert.Equal(t, "disk full", failed.Error)

	env.waitState(t, t2.ID, StateActive)
	assert.False(t, env.rec.has("alice", t1.ID))
}

func TestDuplicateTerminalEventIsNoOp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	env := newTestEnv(t, cfg)

	t1 := env.submit(t, "alice")
	t2 := env.submit(t, "bob")

	ref := t1.EngineRef
	env.download.done(ref)
	env.waitState(t, t1.ID, StateSucceeded)
	env.waitState(t, t2.ID, StateActive)

	// Second delivery of the same terminal event: no transition, no second
	// slot release.
	env.download.done(ref)
	env.download.fail(ref, "late error")

	time.Sleep(50 * time.Millisecond)
	got, ok := env.m.Get(t1.ID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Empty(t, got.Error)
	assert.Equal(t, 1, env.m.adm.ActiveCount())
}

func TestProgressUpdatesSnapshot(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tk := env.submit(t, "alice")
	env.download.progress(tk.EngineRef, 500, 1000, 100)

	require.Eventually(t, func() bool {
		got, _ := env.m.Get(tk.ID)
		return got.Progress.Done == 500
	}, time.Second, 2*time.Millisecond)

	got, _ := env.m.Get(tk.ID)
	assert.Equal(t, int64(1000), got.Progress.Total)
	assert.Equal(t, int64(100), got.Progress.Rate)
	assert.Equal(t, 5*time.Second, got.Progress.ETA)
	assert.Equal(t, StateActive, got.State)
}

func TestDownloadUploadPhaseChaining(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tk, err := env.m.Submit(Spec{
		Kind:        KindDownloadUpload,
		Owner:       "alice",
		Source:      "http://example.com/file.bin",
		Destination: "remote:backup/file.bin",
		Listeners:   []string{"alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseDownload, tk.Phase)

	env.download.done(tk.EngineRef)

	// Download completion starts the upload phase.
	var uploading Task
	require.Eventually(t, func() bool {
		got, _ := env.m.Get(tk.ID)
		uploading = got
		return got.State == StateActive && got.Phase == PhaseUpload
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, env.upload.startedCount())
	assert.NotEmpty(t, uploading.EngineRef)

	env.upload.done(uploading.EngineRef)
	env.waitState(t, tk.ID, StateSucceeded)
	assert.False(t, env.rec.has("alice", tk.ID))
}

func TestCancelQueuedTask(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	env := newTestEnv(t, cfg)

	t1 := env.submit(t, "alice")
	t2 := env.submit(t, "alice")
	require.Equal(t, StateQueued, t2.State)

	err := env.m.Cancel(context.Background(), t2.ID, "alice")
	require.NoError(t, err)

	got, _ := env.m.Get(t2.ID)
	assert.Equal(t, StateCancelled, got.State)
	// No engine resources were ever allocated for the queued task.
	assert.Empty(t, env.download.stoppedRefs())
	assert.Equal(t, 1, env.download.startedCount())

	// The running task is untouched.
	got1, _ := env.m.Get(t1.ID)
	assert.Equal(t, StateActive, got1.State)
}

func TestCancelActiveTaskStopsEngineAndPromotes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	env := newTestEnv(t, cfg)

	t1 := env.submit(t, "alice")
	t2 := env.submit(t, "bob")

	err := env.m.Cancel(context.Background(), t1.ID, "alice")
	require.NoError(t, err)

	got, _ := env.m.Get(t1.ID)
	assert.Equal(t, StateCancelled, got.State)
	assert.Contains(t, env.download.stoppedRefs(), t1.EngineRef)
	assert.False(t, env.rec.has("alice", t1.ID))

	env.waitState(t, t2.ID, StateActive)
}

func TestCancelPermissions(t *testing.T) {
	cfg := testConfig()
	cfg.SudoUsers = []string{"admin"}
	env := newTestEnv(t, cfg)

	tk := env.submit(t, "alice")

	err := env.m.Cancel(context.Background(), tk.ID, "mallory")
	require.ErrorIs(t, err, ErrForbidden)

	err = env.m.Cancel(context.Background(), "nope", "alice")
	require.ErrorIs(t, err, ErrNotFound)

	// A sudo user may cancel anyone's task.
	err = env.m.Cancel(context.Background(), tk.ID, "admin")
	require.NoError(t, err)
}

func TestCancelTerminalTask(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tk := env.submit(t, "alice")
	env.download.done(tk.EngineRef)
	env.waitState(t, tk.ID, StateSucceeded)

	err := env.m.Cancel(context.Background(), tk.ID, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot cancel task in state: succeeded")
}

func TestEngineStartFailureFailsTask(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	env := newTestEnv(t, cfg)
	env.download.startErr = errors.New("rpc unreachable")

	t1 := env.submit(t, "alice")
	got, _ := env.m.Get(t1.ID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "rpc unreachable", got.Error)

	// The slot was given back: the next submit starts once the error clears.
	env.download.startErr = nil
	t2 := env.submit(t, "alice")
	assert.Equal(t, StateActive, t2.State)
}

func TestTwoOwnersCeilingOneBothFinish(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	env := newTestEnv(t, cfg)

	t1 := env.submit(t, "alice")
	t2 := env.submit(t, "bob")

	env.download.done(t1.EngineRef)
	env.waitState(t, t1.ID, StateSucceeded)
	promoted := env.waitState(t, t2.ID, StateActive)

	env.download.done(promoted.EngineRef)
	env.waitState(t, t2.ID, StateSucceeded)
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t, testConfig())
	pausable := &pausableAdapter{mockAdapter: env.download}
	env.m.engines.Download = pausable

	tk := env.submit(t, "alice")

	require.NoError(t, env.m.Pause(context.Background(), tk.ID, "alice"))
	got, _ := env.m.Get(tk.ID)
	assert.Equal(t, StatePaused, got.State)

	// Pausing twice is invalid.
	err := env.m.Pause(context.Background(), tk.ID, "alice")
	require.Error(t, err)

	require.NoError(t, env.m.Resume(context.Background(), tk.ID, "alice"))
	got, _ = env.m.Get(tk.ID)
	assert.Equal(t, StateActive, got.State)
}

func TestPauseUnsupportedEngine(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tk := env.submit(t, "alice")
	err := env.m.Pause(context.Background(), tk.ID, "alice")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestCancelDuringPromotionStart(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	env := newTestEnv(t, cfg)

	t1 := env.submit(t, "alice")
	t2 := env.submit(t, "alice")
	require.Equal(t, StateQueued, t2.State)

	entered, release := env.download.blockStarts()

	// T1 finishing promotes T2; its engine start stalls on the gate.
	env.download.done(t1.EngineRef)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("promotion never reached the engine")
	}

	// Cancel lands while the promoted task's Start is in flight: T2 is no
	// longer in the admission queue but not Active yet either.
	require.NoError(t, env.m.Cancel(context.Background(), t2.ID, "alice"))
	got, _ := env.m.Get(t2.ID)
	assert.Equal(t, StateCancelled, got.State)

	close(release)

	// The engine job spawned for the cancelled task is stopped, nothing is
	// recorded for recovery, and the slot comes back.
	require.Eventually(t, func() bool {
		return len(env.download.stoppedRefs()) == 1
	}, time.Second, 2*time.Millisecond, "orphaned engine job was never stopped")
	require.Eventually(t, func() bool {
		return env.m.adm.ActiveCount() == 0
	}, time.Second, 2*time.Millisecond, "admission slot never released")
	assert.False(t, env.rec.has("alice", t2.ID))

	t3 := env.submit(t, "alice")
	assert.Equal(t, StateActive, t3.State)
}

func TestCancelDuringCompletingReleasesSlotOnce(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 2
	cfg.MaxActivePerOwner = 1
	env := newTestEnv(t, cfg)

	x, err := env.m.Submit(Spec{
		Kind:        KindDownloadUpload,
		Owner:       "alice",
		Source:      "http://example.com/f.bin",
		Destination: "remote:backup/f.bin",
		Listeners:   []string{"alice"},
	})
	require.NoError(t, err)
	y := env.submit(t, "bob")

	entered, release := env.upload.blockStarts()

	// The download phase completes; the upload phase start stalls, leaving
	// X in the completing window with no engine ref bound.
	env.download.done(x.EngineRef)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("upload phase never reached the engine")
	}

	require.NoError(t, env.m.Cancel(context.Background(), x.ID, "alice"))
	close(release)

	require.Eventually(t, func() bool {
		return len(env.upload.stoppedRefs()) == 1
	}, time.Second, 2*time.Millisecond)

	// Exactly one slot came back: Y still holds the other.
	require.Eventually(t, func() bool {
		return env.m.adm.ActiveCount() == 1
	}, time.Second, 2*time.Millisecond)

	c := env.submit(t, "carol")
	assert.Equal(t, StateActive, c.State)
	d := env.submit(t, "dave")
	assert.Equal(t, StateQueued, d.State, "ceiling must still be enforced")

	gotY, _ := env.m.Get(y.ID)
	assert.Equal(t, StateActive, gotY.State)
}

func TestReplayInterrupted(t *testing.T) {
	cfg := testConfig()
	download := newMockAdapter()
	rec := newMockRecoveryLog()
	notifier := newMockNotifier()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	require.NoError(t, rec.Record("alice", RecoveryEntry{TaskID: "t-1", Source: "http://a", Kind: KindDownload}))
	require.NoError(t, rec.Record("alice", RecoveryEntry{TaskID: "t-2", Source: "http://b", Destination: "remote:x", Kind: KindDownloadUpload}))
	require.NoError(t, rec.Record("bob", RecoveryEntry{TaskID: "t-3", Source: "magnet:?xt=c", Kind: KindDownload}))

	m := NewManager(cfg, Engines{Download: download}, rec, notifier, logger)
	require.NoError(t, m.ReplayInterrupted())

	notifier.mu.Lock()
	aliceMsgs := notifier.notifies["alice"]
	bobMsgs := notifier.notifies["bob"]
	notifier.mu.Unlock()

	require.Len(t, aliceMsgs, 1)
	assert.Contains(t, aliceMsgs[0], "interrupted")
	assert.Contains(t, aliceMsgs[0], "http://a")
	assert.Contains(t, aliceMsgs[0], "remote:x")
	require.Len(t, bobMsgs, 1)
	assert.Contains(t, bobMsgs[0], "magnet:?xt=c")

	// Reported entries are cleared so a clean restart stays quiet.
	all, err := rec.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, all["alice"])
	assert.Empty(t, all["bob"])
}
