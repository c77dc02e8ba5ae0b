package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/lsst-ts/scriptqueue/ipc"
	"github.com/lsst-ts/scriptqueue/log"
	"github.com/lsst-ts/scriptqueue/types"
	"github.com/vmihailenco/msgpack/v5"
)

// TestMain re-execs the test binary itself as the script subprocess, the
// same trick os/exec's own tests use: a child process that only needs to
// speak the wire protocol has no reason to be a second compiled binary.
func TestMain(m *testing.M) {
	if os.Getenv("SCRIPTQUEUE_TEST_HELPER") == "1" {
		runHelperProcess()
		return
	}
	os.Exit(m.Run())
}

func runHelperProcess() {
	index := 0
	if len(os.Args) > 1 {
		if v, err := strconv.Atoi(os.Args[len(os.Args)-1]); err == nil {
			index = v
		}
	}

	write := func(v any) {
		raw, err := ipc.EncodeCommand(v)
		if err != nil {
			os.Exit(1)
		}
		os.Stdout.Write(raw)
	}

	switch os.Getenv("SCRIPTQUEUE_TEST_HELPER_MODE") {
	case "hang":
		write(ipc.HeartbeatFrame{Type: ipc.TypeHeartbeat, Index: index})
		// Sleep rather than select{}: a lone goroutine blocked forever is
		// aborted by the runtime's deadlock detector, which would end the
		// process instead of hanging it.
		time.Sleep(time.Hour)
		os.Exit(0)
	default: // "happy"
		write(ipc.HeartbeatFrame{Type: ipc.TypeHeartbeat, Index: index})

		dec := ipc.NewDecoder(os.Stdin)
		payload, err := dec.ReadFrame()
		if err != nil {
			os.Exit(1)
		}
		var cfg ipc.ConfigureCommand
		if err := msgpack.Unmarshal(payload, &cfg); err != nil {
			os.Exit(1)
		}

		write(ipc.StateChangeFrame{Type: ipc.TypeStateChange, Index: index, State: "CONFIGURED"})
		write(ipc.MetadataFrame{Type: ipc.TypeMetadata, Index: index, DurationEstimate: 1.5})

		payload, err = dec.ReadFrame()
		if err != nil {
			os.Exit(1)
		}
		var run ipc.RunCommand
		if err := msgpack.Unmarshal(payload, &run); err != nil {
			os.Exit(1)
		}

		write(ipc.StateChangeFrame{Type: ipc.TypeStateChange, Index: index, State: "RUNNING"})
		write(ipc.StateChangeFrame{Type: ipc.TypeStateChange, Index: index, State: "ENDED"})
		os.Exit(0)
	}
}

type fakeNotifier struct {
	changes chan *types.ScriptInfo
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{changes: make(chan *types.ScriptInfo, 64)}
}

func (f *fakeNotifier) OnScriptChanged(info *types.ScriptInfo) {
	f.changes <- info
}

func (f *fakeNotifier) waitFor(t *testing.T, want types.ProcessState, timeout time.Duration) *types.ScriptInfo {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case info := <-f.changes:
			if info.ProcessState == want {
				return info
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ProcessState %s", want)
			return nil
		}
	}
}

func waitForConfigured(t *testing.T, notifier *fakeNotifier, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case info := <-notifier.changes:
			if info.ScriptState == types.Configured {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for CONFIGURED")
			return
		}
	}
}

func testInfo(idx int) *types.ScriptInfo {
	return &types.ScriptInfo{
		Index:        idx,
		CmdID:        "cmd-1",
		Kind:         types.Standard,
		Path:         filepath.Base(selfPath()),
		ProcessState: types.Loading,
		ScriptState:  types.Unconfigured,
	}
}

func selfPath() string {
	p, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return p
}

func newTestSupervisor(t *testing.T, notifier Notifier) *Supervisor {
	t.Helper()
	cfg := Config{
		StandardRoot: filepath.Dir(selfPath()),
		LoadTimeout:  2 * time.Second,
		GraceWindow:  500 * time.Millisecond,
	}
	return New(cfg, log.NewLogger(0), notifier)
}

func TestSupervisorHappyPath(t *testing.T) {
	t.Setenv("SCRIPTQUEUE_TEST_HELPER", "1")
	t.Setenv("SCRIPTQUEUE_TEST_HELPER_MODE", "happy")

	notifier := newFakeNotifier()
	sup := newTestSupervisor(t, notifier)

	info := testInfo(100010)
	if err := sup.Launch(context.Background(), info, []byte(`{"foo":"bar"}`)); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	notifier.waitFor(t, types.Loaded, 2*time.Second)
	waitForConfigured(t, notifier, 2*time.Second)

	if err := sup.Run(100010); err != nil {
		t.Fatalf("Run: %v", err)
	}

	done := notifier.waitFor(t, types.Done, 3*time.Second)
	if done.TimestampEnd == 0 {
		t.Fatal("expected TimestampEnd to be set on completion")
	}
}

func TestSupervisorStopHardKillsOnGraceTimeout(t *testing.T) {
	t.Setenv("SCRIPTQUEUE_TEST_HELPER", "1")
	t.Setenv("SCRIPTQUEUE_TEST_HELPER_MODE", "hang")

	notifier := newFakeNotifier()
	sup := newTestSupervisor(t, notifier)

	info := testInfo(100011)
	if err := sup.Launch(context.Background(), info, []byte(`{}`)); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	notifier.waitFor(t, types.Loaded, 2*time.Second)

	if err := sup.Stop(100011, true); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	terminated := notifier.waitFor(t, types.Terminated, 3*time.Second)
	if terminated.Index != 100011 {
		t.Fatalf("unexpected index %d", terminated.Index)
	}
}
