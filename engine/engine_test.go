package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lsst-ts/scriptqueue/allocator"
	"github.com/lsst-ts/scriptqueue/bus"
	"github.com/lsst-ts/scriptqueue/busproto"
	"github.com/lsst-ts/scriptqueue/log"
	"github.com/lsst-ts/scriptqueue/qerr"
	"github.com/lsst-ts/scriptqueue/queue"
	"github.com/lsst-ts/scriptqueue/types"
)

// fakeSupervisor mimics supervisor.Supervisor's synchronous-notify
// behavior on Launch/Run: every call to Launch or Run that does not fail
// invokes the Engine's OnScriptChanged on the caller's own goroutine,
// matching the real Supervisor's same-stack notification described in
// supervisor/supervisor.go.
type fakeSupervisor struct {
	mu       sync.Mutex
	infos    map[int]*types.ScriptInfo
	onChange func(*types.ScriptInfo)
	stopped  []int

	launchErr error
	runErr    error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{infos: make(map[int]*types.ScriptInfo)}
}

func (f *fakeSupervisor) Launch(ctx context.Context, info *types.ScriptInfo, config []byte) error {
	if f.launchErr != nil {
		return f.launchErr
	}
	clone := info.Clone()
	clone.ProcessState = types.Loaded
	clone.ScriptState = types.Configured
	f.mu.Lock()
	f.infos[info.Index] = clone
	f.mu.Unlock()
	if f.onChange != nil {
		f.onChange(clone.Clone())
	}
	return nil
}

func (f *fakeSupervisor) Run(idx int) error {
	if f.runErr != nil {
		return f.runErr
	}
	f.mu.Lock()
	info, ok := f.infos[idx]
	f.mu.Unlock()
	if !ok {
		return qerr.New(qerr.ErrUnknownIndex, "run", nil)
	}
	info.ProcessState = types.Running
	if f.onChange != nil {
		f.onChange(info.Clone())
	}
	return nil
}

func (f *fakeSupervisor) Stop(idx int, graceful bool) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, idx)
	info, ok := f.infos[idx]
	f.mu.Unlock()
	if !ok {
		return qerr.New(qerr.ErrUnknownIndex, "stop", nil)
	}
	info.ProcessState = types.Terminated
	if f.onChange != nil {
		f.onChange(info.Clone())
	}
	return nil
}

func (f *fakeSupervisor) Info(idx int) *types.ScriptInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.infos[idx]; ok {
		return info.Clone()
	}
	return nil
}

type fakeNotifier struct {
	mu              sync.Mutex
	queueEvents     []queue.Snapshot
	scriptEvents    []*types.ScriptInfo
	availableEvents int
}

func (f *fakeNotifier) OnQueueChanged(snapshot queue.Snapshot, running, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueEvents = append(f.queueEvents, snapshot)
}

func (f *fakeNotifier) OnScriptChanged(info *types.ScriptInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scriptEvents = append(f.scriptEvents, info)
}

func (f *fakeNotifier) OnAvailableScripts(standard, external string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availableEvents++
}

func (f *fakeNotifier) queueEventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queueEvents)
}

type fakeDiscovery struct{}

func (fakeDiscovery) AvailableScripts() (string, string) {
	return "a.py:b.py", "c.py"
}

func newTestEngine(t *testing.T) (*Engine, *fakeSupervisor, *fakeNotifier) {
	t.Helper()
	sup := newFakeSupervisor()
	notifier := &fakeNotifier{}
	q := queue.New(10)
	alloc := allocator.New(100000, 100010)
	e := New(q, sup, alloc, fakeDiscovery{}, notifier, log.NewLogger(0))
	sup.onChange = e.OnScriptChanged
	return e, sup, notifier
}

func TestAddAdvancesToRunning(t *testing.T) {
	e, sup, notifier := newTestEngine(t)
	e.SetEnabled(true)
	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	idx, err := e.Add(context.Background(), types.Standard, "script.py", []byte("{}"), "descr", types.First, 0, "cmd-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	info := sup.Info(idx)
	if info == nil || info.ProcessState != types.Running {
		t.Fatalf("expected script %d to be promoted to RUNNING, got %+v", idx, info)
	}
	if notifier.queueEventCount() == 0 {
		t.Fatal("expected at least one queue event")
	}
}

func TestPauseBlocksPromotion(t *testing.T) {
	e, sup, _ := newTestEngine(t)
	e.SetEnabled(true)
	_ = e.Resume()
	e.Pause()

	idx, err := e.Add(context.Background(), types.Standard, "script.py", []byte("{}"), "descr", types.First, 0, "cmd-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	info := sup.Info(idx)
	if info == nil || info.ProcessState != types.Loaded {
		t.Fatalf("expected script to remain LOADED while paused, got %+v", info)
	}

	state, err := e.ShowQueue()
	if err != nil {
		t.Fatalf("ShowQueue: %v", err)
	}
	if state.running {
		t.Fatal("expected running to be false after Pause")
	}
	if len(state.snapshot.Pending) != 1 {
		t.Fatalf("expected script to remain pending, got %d pending", len(state.snapshot.Pending))
	}
}

func TestMoveSelfIsNoOpButPublishes(t *testing.T) {
	e, _, notifier := newTestEngine(t)
	e.SetEnabled(true)
	e.Pause()

	idx, err := e.Add(context.Background(), types.Standard, "a.py", []byte("{}"), "", types.First, 0, "cmd-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	before := notifier.queueEventCount()
	if err := e.Move(idx, types.Before, idx); err != nil {
		t.Fatalf("Move: %v", err)
	}
	after := notifier.queueEventCount()
	if after <= before {
		t.Fatal("expected Move to publish a queue event even as a no-op")
	}

	state, err := e.ShowQueue()
	if err != nil {
		t.Fatalf("ShowQueue: %v", err)
	}
	if len(state.snapshot.Pending) != 1 || state.snapshot.Pending[0].Index != idx {
		t.Fatalf("expected queue unchanged after self-move, got %+v", state.snapshot.Pending)
	}
}

func TestMoveBadAnchorFailsWithoutEmittingEvent(t *testing.T) {
	e, _, notifier := newTestEngine(t)
	e.SetEnabled(true)
	e.Pause()

	idx, err := e.Add(context.Background(), types.Standard, "a.py", []byte("{}"), "", types.First, 0, "cmd-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	before := notifier.queueEventCount()
	if err := e.Move(idx, types.Before, 999999); !errors.Is(err, qerr.ErrUnknownIndex) {
		t.Fatalf("expected ErrUnknownIndex, got %v", err)
	}
	after := notifier.queueEventCount()
	if after != before {
		t.Fatalf("expected no queue event on failed move, before=%d after=%d", before, after)
	}
}

func TestStopScriptsStopsCurrentAndPending(t *testing.T) {
	e, sup, _ := newTestEngine(t)
	e.SetEnabled(true)
	_ = e.Resume()

	first, err := e.Add(context.Background(), types.Standard, "a.py", []byte("{}"), "", types.Last, 0, "cmd-1")
	if err != nil {
		t.Fatalf("Add first: %v", err)
	}
	second, err := e.Add(context.Background(), types.Standard, "b.py", []byte("{}"), "", types.Last, 0, "cmd-2")
	if err != nil {
		t.Fatalf("Add second: %v", err)
	}

	if err := e.StopScripts([]int{first, second}, false); err != nil {
		t.Fatalf("StopScripts: %v", err)
	}

	sup.mu.Lock()
	stopped := append([]int(nil), sup.stopped...)
	sup.mu.Unlock()
	if len(stopped) != 2 {
		t.Fatalf("expected both scripts stopped, got %v", stopped)
	}
}

func TestStopScriptsRejectsEmptyIndices(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.SetEnabled(true)
	err := e.StopScripts(nil, false)
	if !errors.Is(err, qerr.ErrLengthInvalid) {
		t.Fatalf("expected ErrLengthInvalid, got %v", err)
	}
}

func TestStopScriptsFailsWhenDisabled(t *testing.T) {
	e, _, _ := newTestEngine(t)
	err := e.StopScripts([]int{1}, false)
	if !errors.Is(err, qerr.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestShowCommandsFailWhenDisabled(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if _, err := e.ShowQueue(); !errors.Is(err, qerr.ErrDisabled) {
		t.Fatalf("ShowQueue: expected ErrDisabled, got %v", err)
	}
	if _, err := e.ShowScript(1); !errors.Is(err, qerr.ErrDisabled) {
		t.Fatalf("ShowScript: expected ErrDisabled, got %v", err)
	}
	if _, _, err := e.ShowAvailable(); !errors.Is(err, qerr.ErrDisabled) {
		t.Fatalf("ShowAvailable: expected ErrDisabled, got %v", err)
	}
}

func TestRequeueFromHistory(t *testing.T) {
	e, sup, _ := newTestEngine(t)
	e.SetEnabled(true)
	_ = e.Resume()

	idx, err := e.Add(context.Background(), types.Standard, "a.py", []byte(`{"k":1}`), "original", types.First, 0, "cmd-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Retire the running script into history, as the Supervisor would on
	// a terminal ProcessState.
	finished := sup.Info(idx)
	finished.ProcessState = types.Done
	e.OnScriptChanged(finished)

	newIdx, err := e.Requeue(context.Background(), idx, types.Last, 0, "cmd-2")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if newIdx == idx {
		t.Fatal("expected requeue to allocate a fresh index")
	}

	requeued := sup.Info(newIdx)
	if requeued == nil || requeued.Path != "a.py" {
		t.Fatalf("expected requeued script to copy original path, got %+v", requeued)
	}
	if string(requeued.Config) != `{"k":1}` {
		t.Fatalf("expected requeued script to copy original config, got %q", requeued.Config)
	}
}

func TestAddFailsWhenDisabled(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Add(context.Background(), types.Standard, "a.py", []byte("{}"), "", types.First, 0, "cmd-1")
	if !errors.Is(err, qerr.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestAddRollsBackOnLaunchFailure(t *testing.T) {
	e, sup, _ := newTestEngine(t)
	e.SetEnabled(true)
	sup.launchErr = qerr.New(qerr.ErrBadPath, "launch", nil)

	_, err := e.Add(context.Background(), types.Standard, "missing.py", []byte("{}"), "", types.First, 0, "cmd-1")
	if !errors.Is(err, qerr.ErrBadPath) {
		t.Fatalf("expected ErrBadPath, got %v", err)
	}

	state, err := e.ShowQueue()
	if err != nil {
		t.Fatalf("ShowQueue: %v", err)
	}
	if len(state.snapshot.Pending) != 0 {
		t.Fatalf("expected queue unchanged after BadPath failure, got %d pending", len(state.snapshot.Pending))
	}
}

func TestSetEnabledEmitsAvailableScriptsOnEachEnable(t *testing.T) {
	e, _, notifier := newTestEngine(t)
	e.SetEnabled(true)
	e.SetEnabled(true)
	e.SetEnabled(false)
	e.SetEnabled(true)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.availableEvents != 2 {
		t.Fatalf("expected availableScripts emitted on each false->true transition, got %d", notifier.availableEvents)
	}
}

// fakeCommandSource and fakePublisher exercise the dispatch loop end to
// end without a real bus.Bus, matching the teacher's test-injection idiom
// of swapping a narrow interface instead of standing up a broker.
type fakeCommandSource struct {
	ch chan bus.Envelope
}

func newFakeSource() *fakeCommandSource {
	return &fakeCommandSource{ch: make(chan bus.Envelope, 8)}
}

func (f *fakeCommandSource) Commands() <-chan bus.Envelope {
	return f.ch
}

func (f *fakeCommandSource) send(env bus.Envelope) {
	f.ch <- env
}

type fakePublisher struct {
	mu   sync.Mutex
	acks []busproto.Ack
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (f *fakePublisher) PublishAck(ack busproto.Ack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ack)
	return nil
}

func (f *fakePublisher) PublishQueue(event busproto.QueueEvent) error   { return nil }
func (f *fakePublisher) PublishScript(event busproto.ScriptEvent) error { return nil }
func (f *fakePublisher) PublishAvailableScripts(event busproto.AvailableScriptsEvent) error {
	return nil
}

func (f *fakePublisher) waitForComplete(t *testing.T, cmdID string, timeout time.Duration) busproto.Ack {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, ack := range f.acks {
			if ack.CmdID == cmdID && ack.Phase == busproto.PhaseComplete {
				f.mu.Unlock()
				return ack
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for COMPLETE ack for %s", cmdID)
	return busproto.Ack{}
}

func TestDispatchAddAcksComplete(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.SetEnabled(true)
	_ = e.Resume()

	source := newFakeSource()
	publisher := newFakePublisher()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Serve(ctx, source, publisher)
		close(done)
	}()

	source.send(bus.Envelope{
		Kind: busproto.KindAdd,
		Add: &busproto.AddCommand{
			CmdID:      "cmd-1",
			IsStandard: true,
			Path:       "a.py",
			Config:     "{}",
			Location:   busproto.LocationFirst,
		},
	})

	ack := publisher.waitForComplete(t, "cmd-1", 2*time.Second)
	if ack.Result == "" {
		t.Fatal("expected add ack to carry an allocated index")
	}

	cancel()
	<-done
}
