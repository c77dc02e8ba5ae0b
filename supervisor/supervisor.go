// Package supervisor owns one live subprocess per admitted script: it
// resolves and spawns the executor, runs the per-script IPC read loop,
// and drives Configure/Run/Stop against spec.md §4.2's process lifecycle.
//
// The control flow here mirrors the teacher's RunOrchestrator.Execute:
// start the child, read its frames on a background goroutine, and only
// reap the exit once the read loop has observed end-of-stream — calling
// Wait() first would close the stdout pipe out from under a still-reading
// decoder.
package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/lsst-ts/scriptqueue/executor"
	"github.com/lsst-ts/scriptqueue/ipc"
	"github.com/lsst-ts/scriptqueue/log"
	"github.com/lsst-ts/scriptqueue/qerr"
	"github.com/lsst-ts/scriptqueue/types"
)

// DefaultLoadTimeout is the recommended Configure deadline per spec.md §4.2.
const DefaultLoadTimeout = 20 * time.Second

// DefaultGraceWindow is the recommended Stop grace period before a hard
// terminate, per spec.md §4.2.
const DefaultGraceWindow = 5 * time.Second

// Notifier receives every ScriptInfo mutation the Supervisor makes. The
// Engine is the only intended implementer: it folds the clone into the
// Queue via Queue.Replace and, for terminal ProcessStates, Queue.RetireAny.
type Notifier interface {
	OnScriptChanged(info *types.ScriptInfo)
}

// Config configures the Supervisor's view of where scripts live on disk
// and how long to wait for cooperative lifecycle transitions.
type Config struct {
	// StandardRoot is the root directory for types.Standard scripts.
	StandardRoot string
	// ExternalRoot is the root directory for types.External scripts.
	ExternalRoot string
	// LoadTimeout bounds how long Configure waits for the subprocess to
	// heartbeat and self-report CONFIGURED before it is killed and failed.
	LoadTimeout time.Duration
	// GraceWindow bounds how long Stop waits for a cooperative exit after
	// a graceful stop request before escalating to a hard kill.
	GraceWindow time.Duration
}

func (c Config) rootFor(kind types.ScriptKind) string {
	if kind == types.External {
		return c.ExternalRoot
	}
	return c.StandardRoot
}

func (c Config) loadTimeout() time.Duration {
	if c.LoadTimeout <= 0 {
		return DefaultLoadTimeout
	}
	return c.LoadTimeout
}

func (c Config) graceWindow() time.Duration {
	if c.GraceWindow <= 0 {
		return DefaultGraceWindow
	}
	return c.GraceWindow
}

// Supervisor manages the live subprocess for every admitted script,
// keyed by its allocated index.
type Supervisor struct {
	config   Config
	logger   *log.Logger
	notifier Notifier

	mu        sync.Mutex
	processes map[int]*process
}

// process is the Supervisor's private bookkeeping for one live script
// subprocess. info is the Supervisor's authoritative copy; the Engine's
// Queue only ever holds clones handed to it via Notifier.
type process struct {
	mu     sync.Mutex
	info   *types.ScriptInfo
	mgr    *executor.Manager
	config []byte

	killedBySupervisor bool
	loadTimedOut       bool
	stopped            chan struct{}
}

// New creates a Supervisor. notifier may be nil in tests that only need
// to assert on queried ScriptInfo state.
func New(config Config, logger *log.Logger, notifier Notifier) *Supervisor {
	return &Supervisor{
		config:    config,
		logger:    logger,
		notifier:  notifier,
		processes: make(map[int]*process),
	}
}

// SetNotifier attaches the notifier after construction, for callers that
// must break the Supervisor/Engine construction cycle (the Engine needs a
// constructed Supervisor, and the Supervisor's Notifier is the Engine
// itself). Not safe to call concurrently with an in-flight Launch/Run/Stop.
func (s *Supervisor) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// Launch spawns the subprocess for info (ProcessState must be Loading)
// and starts its IPC read loop in the background. config is queued for
// the one-attempt Configure write once the subprocess heartbeats.
func (s *Supervisor) Launch(ctx context.Context, info *types.ScriptInfo, config []byte) error {
	root := s.config.rootFor(info.Kind)
	mgr := executor.NewManager(executor.Config{
		Root:  root,
		Path:  info.Path,
		Index: info.Index,
	})

	if err := mgr.Start(ctx); err != nil {
		return qerr.New(qerr.ErrBadPath, "launch", err)
	}

	clone := info.Clone()
	clone.TimestampStart = nowSeconds()
	p := &process{
		info:    clone,
		mgr:     mgr,
		config:  config,
		stopped: make(chan struct{}),
	}

	s.mu.Lock()
	s.processes[info.Index] = p
	s.mu.Unlock()

	s.notify(clone.Clone())

	go s.run(p)
	go s.watchLoadTimeout(p)

	return nil
}

// Run tells a CONFIGURED subprocess to begin executing.
func (s *Supervisor) Run(idx int) error {
	p, ok := s.process(idx)
	if !ok {
		return qerr.New(qerr.ErrUnknownIndex, "run", nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.info.ScriptState.IsRunnable() {
		return qerr.New(qerr.ErrNotQueued, "run", nil)
	}

	raw, err := ipc.EncodeCommand(ipc.NewRunCommand())
	if err != nil {
		return err
	}
	if _, err := p.mgr.Stdin().Write(raw); err != nil {
		return err
	}
	p.info.ProcessState = types.Running
	s.notify(p.info.Clone())
	return nil
}

// Stop requests the subprocess named by idx to exit. If graceful, a
// StopCommand is sent first and the process is only killed outright if
// it has not exited within the Supervisor's grace window; otherwise it
// is killed immediately.
func (s *Supervisor) Stop(idx int, graceful bool) error {
	p, ok := s.process(idx)
	if !ok {
		return qerr.New(qerr.ErrUnknownIndex, "stop", nil)
	}

	if !graceful {
		return s.kill(p)
	}

	raw, err := ipc.EncodeCommand(ipc.NewStopCommand())
	if err == nil {
		if _, werr := p.mgr.Stdin().Write(raw); werr != nil {
			return s.kill(p)
		}
	}

	select {
	case <-p.stopped:
		return nil
	case <-time.After(s.config.graceWindow()):
		return s.kill(p)
	}
}

func (s *Supervisor) kill(p *process) error {
	p.mu.Lock()
	p.killedBySupervisor = true
	p.mu.Unlock()
	return p.mgr.Kill()
}

// Info returns a clone of the Supervisor's current view of idx, or nil
// if idx names no live or previously-launched process.
func (s *Supervisor) Info(idx int) *types.ScriptInfo {
	p, ok := s.process(idx)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.Clone()
}

func (s *Supervisor) process(idx int) (*process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[idx]
	return p, ok
}

// watchLoadTimeout kills and fails a subprocess that never reaches
// CONFIGURED within the configured LoadTimeout.
func (s *Supervisor) watchLoadTimeout(p *process) {
	timer := time.NewTimer(s.config.loadTimeout())
	defer timer.Stop()

	select {
	case <-p.stopped:
		return
	case <-timer.C:
		p.mu.Lock()
		configured := p.info.ScriptState != types.Unconfigured
		if !configured {
			p.loadTimedOut = true
		}
		p.mu.Unlock()
		if configured {
			return
		}
		s.logger.Warn("script failed to configure within load timeout", map[string]any{
			"index": p.info.Index,
		})
		_ = s.kill(p)
	}
}

// run is the per-process background loop: it decodes frames until the
// subprocess's stdout closes, then reaps the exit. Grounded on the
// teacher's RunOrchestrator.Execute ordering (ingest to EOF, then Wait).
func (s *Supervisor) run(p *process) {
	defer close(p.stopped)

	dec := ipc.NewDecoder(p.mgr.Stdout())
	for {
		payload, err := dec.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("ipc read loop ended with error", map[string]any{
					"index": p.info.Index,
					"error": err.Error(),
				})
			}
			break
		}
		frame, err := ipc.DecodeFrame(payload)
		if err != nil {
			s.logger.Warn("failed to decode frame", map[string]any{
				"index": p.info.Index,
				"error": err.Error(),
			})
			continue
		}
		s.handleFrame(p, frame)
	}

	s.reap(p)
}

func (s *Supervisor) handleFrame(p *process, frame any) {
	switch f := frame.(type) {
	case *ipc.HeartbeatFrame:
		p.mu.Lock()
		p.info.ProcessState = types.Loaded
		pending := p.config
		clone := p.info.Clone()
		p.mu.Unlock()
		s.notify(clone)

		raw, err := ipc.EncodeCommand(ipc.NewConfigureCommand(pending))
		if err != nil {
			s.logger.Error("failed to encode configure command", map[string]any{
				"index": p.info.Index,
				"error": err.Error(),
			})
			return
		}
		if _, err := p.mgr.Stdin().Write(raw); err != nil {
			s.logger.Error("failed to write configure command", map[string]any{
				"index": p.info.Index,
				"error": err.Error(),
			})
		}
	case *ipc.StateChangeFrame:
		p.mu.Lock()
		p.info.ScriptState = types.ParseScriptState(f.State)
		clone := p.info.Clone()
		p.mu.Unlock()
		s.notify(clone)
	case *ipc.MetadataFrame:
		p.mu.Lock()
		p.info.DurationEstimate = f.DurationEstimate
		clone := p.info.Clone()
		p.mu.Unlock()
		s.notify(clone)
	}
}

func (s *Supervisor) reap(p *process) {
	result, err := p.mgr.Wait()

	p.mu.Lock()
	p.info.TimestampEnd = nowSeconds()
	switch {
	case err != nil:
		p.info.ProcessState = types.Failed
	case p.loadTimedOut:
		p.info.ProcessState = types.Failed
	case p.killedBySupervisor:
		p.info.ProcessState = types.Terminated
	case result.Signaled:
		p.info.ProcessState = types.Terminated
	case result.ExitCode == 0:
		p.info.ProcessState = types.Done
	default:
		p.info.ProcessState = types.Failed
	}
	clone := p.info.Clone()
	p.mu.Unlock()

	s.notify(clone)
}

func (s *Supervisor) notify(info *types.ScriptInfo) {
	if s.notifier == nil {
		return
	}
	s.notifier.OnScriptChanged(info)
}
