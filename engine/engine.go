// Package engine implements the command dispatcher and advancement loop of
// spec.md §4.4: it is the only mutator of the Queue, and the sole
// implementer of supervisor.Notifier, folding every Supervisor-observed
// ScriptInfo change back into the Queue's own independently-owned state.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/lsst-ts/scriptqueue/allocator"
	"github.com/lsst-ts/scriptqueue/busproto"
	"github.com/lsst-ts/scriptqueue/log"
	"github.com/lsst-ts/scriptqueue/queue"
	"github.com/lsst-ts/scriptqueue/types"
)

// archiveTimeout bounds the best-effort S3 mirror of one retired script.
const archiveTimeout = 10 * time.Second

// Archiver is the optional durable-audit sink a retired ScriptInfo is
// mirrored to, e.g. history/s3archive.Archiver. Nil means no archiving.
type Archiver interface {
	Put(ctx context.Context, info *types.ScriptInfo, retiredAt time.Time)
}

// SupervisorPort is the subset of *supervisor.Supervisor the Engine drives.
// Narrowed to an interface for test injection, matching the teacher's
// Executor/ExecutorFactory seam in runtime/run.go.
type SupervisorPort interface {
	Launch(ctx context.Context, info *types.ScriptInfo, config []byte) error
	Run(idx int) error
	Stop(idx int, graceful bool) error
	Info(idx int) *types.ScriptInfo
}

// Discovery is the script-catalog collaborator spec.md §1 keeps external
// ("filesystem path scanning that enumerates available scripts"). It
// returns the colon-separated standard/external path strings the
// availableScripts event carries verbatim.
type Discovery interface {
	AvailableScripts() (standard, external string)
}

// Notifier is the narrow notifier abstraction of spec.md §9's design note:
// the source's duck-typed queue_callback/script_callback pair, now
// concretely typed against a Queue snapshot and a ScriptInfo, plus a third
// operation, OnAvailableScripts, for the availableScripts event.
type Notifier interface {
	OnQueueChanged(snapshot queue.Snapshot, running, enabled bool)
	OnScriptChanged(info *types.ScriptInfo)
	OnAvailableScripts(standard, external string)
}

// Publisher delivers command acknowledgments and the one-shot replies a
// show_queue/show_script/show_available_scripts command produces.
// github.com/lsst-ts/scriptqueue/bus.Bus satisfies this interface directly,
// since a one-shot reply and an organic notifier-driven event share the
// same wire shape and channel.
type Publisher interface {
	PublishAck(ack busproto.Ack) error
	PublishQueue(event busproto.QueueEvent) error
	PublishScript(event busproto.ScriptEvent) error
	PublishAvailableScripts(event busproto.AvailableScriptsEvent) error
}

// Engine is the command dispatcher and advancement loop of spec.md §4.4.
// A single mutex serializes the control path: running/enabled transitions,
// queue mutation, and the folding of Supervisor notifications. The lock is
// never held across a call into the Supervisor, since Launch/Run invoke
// this Engine's own OnScriptChanged synchronously on the calling goroutine
// (spec.md §5: "no lock is held across suspension points").
type Engine struct {
	mu sync.Mutex

	queue      *queue.Queue
	supervisor SupervisorPort
	allocator  *allocator.Allocator
	discovery  Discovery
	notifier   Notifier
	archiver   Archiver
	logger     *log.Logger

	running bool
	enabled bool
}

// SetArchiver attaches an optional durable-audit sink. Must be called
// before the Engine starts serving commands; not safe to change
// concurrently with OnScriptChanged.
func (e *Engine) SetArchiver(archiver Archiver) {
	e.archiver = archiver
}

// New constructs an Engine. notifier and discovery may be nil in tests
// that only assert on Queue/Supervisor-visible state.
func New(q *queue.Queue, sup SupervisorPort, alloc *allocator.Allocator, discovery Discovery, notifier Notifier, logger *log.Logger) *Engine {
	return &Engine{
		queue:      q,
		supervisor: sup,
		allocator:  alloc,
		discovery:  discovery,
		notifier:   notifier,
		logger:     logger,
	}
}

// SetEnabled reflects the high-level service state machine's enabled flag,
// which spec.md §1 treats as external ("the high-level service state
// machine... beyond a single boolean the core reads"). Every transition
// from disabled to enabled emits availableScripts per spec.md §4.4.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	wasEnabled := e.enabled
	e.enabled = enabled
	if enabled && !wasEnabled {
		e.emitAvailableScriptsLocked()
	}
	e.emitQueueEventLocked()
	e.mu.Unlock()
}

// Enabled reports the current enabled flag.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Running reports the current running flag.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// OnScriptChanged implements supervisor.Notifier. It folds the Supervisor's
// clone into the Queue — Replace for an observable field change,
// RetireAny once the ProcessState is terminal — emits the consequent
// script and queue events, then attempts advancement.
func (e *Engine) OnScriptChanged(info *types.ScriptInfo) {
	e.mu.Lock()
	terminal := info.ProcessState.IsTerminal()
	if terminal {
		e.queue.RetireAny(info.Index, info)
	} else {
		e.queue.Replace(info.Index, info)
	}
	e.emitScriptEvent(info)
	e.emitQueueEventLocked()
	e.mu.Unlock()

	if terminal && e.archiver != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			e.archiver.Put(ctx, info, time.Now())
		}()
	}

	e.advance()
}

// advance implements the advancement loop of spec.md §4.4: if running and
// the queue's head is ready, promote it and tell the Supervisor to run it.
// Deliberately does not hold e.mu across the Supervisor.Run call, since Run
// synchronously invokes OnScriptChanged on this same goroutine.
func (e *Engine) advance() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	info := e.queue.Promote()
	e.mu.Unlock()

	if info == nil {
		return
	}
	if err := e.supervisor.Run(info.Index); err != nil {
		e.logger.Error("failed to run promoted script", map[string]any{
			"index": info.Index,
			"error": err.Error(),
		})
	}
}

func (e *Engine) emitQueueEventLocked() {
	if e.notifier == nil {
		return
	}
	e.notifier.OnQueueChanged(e.queue.Snapshot(), e.running, e.enabled)
}

func (e *Engine) emitScriptEvent(info *types.ScriptInfo) {
	if e.notifier == nil || info == nil {
		return
	}
	e.notifier.OnScriptChanged(info)
}

func (e *Engine) emitAvailableScriptsLocked() {
	if e.notifier == nil || e.discovery == nil {
		return
	}
	standard, external := e.discovery.AvailableScripts()
	e.notifier.OnAvailableScripts(standard, external)
}
