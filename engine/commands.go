package engine

import (
	"context"
	"sync"
	"time"

	"github.com/lsst-ts/scriptqueue/qerr"
	"github.com/lsst-ts/scriptqueue/queue"
	"github.com/lsst-ts/scriptqueue/types"
)

// stopScriptsBaseTimeout and stopScriptsPerIndex compute the bounded
// deadline for StopScripts, per spec.md §4.4: 5s base plus 0.2s per
// targeted index.
const (
	stopScriptsBaseTimeout = 5 * time.Second
	stopScriptsPerIndex    = 200 * time.Millisecond
	stopScriptsMaxFanOut   = 16
)

// admit is the shared admission path for Add and Requeue: allocate a
// fresh index, insert into pending (validating placement), and launch the
// subprocess, removing the entry again if the launch fails. It does not
// hold e.mu across the Supervisor.Launch call, since Launch synchronously
// invokes
// e.OnScriptChanged on this goroutine.
func (e *Engine) admit(ctx context.Context, kind types.ScriptKind, path string, config []byte, descr string, location types.Location, anchorIdx int, cmdID string) (int, error) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return 0, qerr.New(qerr.ErrDisabled, "admit", nil)
	}
	idx, err := e.allocator.Allocate(e.queue.IsLive)
	if err != nil {
		e.mu.Unlock()
		return 0, qerr.New(qerr.ErrAllocExhausted, "admit", err)
	}

	info := &types.ScriptInfo{
		Index:        idx,
		CmdID:        cmdID,
		Kind:         kind,
		Path:         path,
		Config:       config,
		Descr:        descr,
		ProcessState: types.Loading,
		ScriptState:  types.Unconfigured,
	}

	if err := e.queue.Insert(info, location, anchorIdx); err != nil {
		e.mu.Unlock()
		return 0, qerr.New(qerr.ErrLocationInvalid, "admit", err)
	}
	e.mu.Unlock()

	if err := e.supervisor.Launch(ctx, info, config); err != nil {
		e.mu.Lock()
		e.queue.Remove(idx)
		e.mu.Unlock()
		return 0, qerr.New(qerr.ErrBadPath, "admit", err)
	}

	e.mu.Lock()
	e.emitQueueEventLocked()
	e.mu.Unlock()

	return idx, nil
}

// Add admits a brand-new script.
func (e *Engine) Add(ctx context.Context, kind types.ScriptKind, path string, config []byte, descr string, location types.Location, anchorIdx int, cmdID string) (int, error) {
	return e.admit(ctx, kind, path, config, descr, location, anchorIdx, cmdID)
}

// Requeue re-admits idx (found in pending, current, or history) as a new
// script record with a freshly allocated index, copying its original
// immutable Kind/Path/Config/Descr verbatim (SPEC_FULL.md open-question
// (c): requeue always copies the original config, never a caller override).
func (e *Engine) Requeue(ctx context.Context, idx int, location types.Location, anchorIdx int, cmdID string) (int, error) {
	e.mu.Lock()
	original := e.queue.Find(idx, true)
	e.mu.Unlock()

	if original == nil {
		return 0, qerr.New(qerr.ErrUnknownIndex, "requeue", nil)
	}

	return e.admit(ctx, original.Kind, original.Path, original.Config, original.Descr, location, anchorIdx, cmdID)
}

// Move repositions an already-pending script. Per spec.md §7, a
// validation failure (NotQueued/UnknownIndex) leaves the queue unchanged
// and emits no event; only a successful move — including the §6
// scenario-3 self-anchor no-op, which still returns nil — publishes one.
func (e *Engine) Move(idx int, location types.Location, anchorIdx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return qerr.New(qerr.ErrDisabled, "move", nil)
	}
	if err := e.queue.Move(idx, location, anchorIdx); err != nil {
		return err
	}
	e.emitQueueEventLocked()
	return nil
}

// StopScripts stops every index in indices, current or pending, bounded
// by a 5s+0.2s-per-index deadline and a capped-concurrency worker pool,
// grounded on the teacher's fan-out Operator pattern (a semaphore plus
// sync.WaitGroup over a fixed work list, not a library-provided pool).
func (e *Engine) StopScripts(indices []int, terminate bool) error {
	e.mu.Lock()
	enabled := e.enabled
	e.mu.Unlock()
	if !enabled {
		return qerr.New(qerr.ErrDisabled, "stop_scripts", nil)
	}

	if len(indices) == 0 {
		return qerr.New(qerr.ErrLengthInvalid, "stop_scripts", nil)
	}

	deadline := stopScriptsBaseTimeout + time.Duration(len(indices))*stopScriptsPerIndex
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	sem := make(chan struct{}, stopScriptsMaxFanOut)
	var wg sync.WaitGroup
	for _, idx := range indices {
		idx := idx
		if !e.queue.IsLive(idx) {
			continue
		}
		// A pending script leaves the queue now and never reaches history;
		// once removed, the reap path's RetireAny finds nothing to retire.
		e.mu.Lock()
		if _, err := e.queue.Remove(idx); err == nil {
			e.emitQueueEventLocked()
		}
		e.mu.Unlock()
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.supervisor.Stop(idx, !terminate); err != nil {
				e.logger.Warn("stop failed for index", map[string]any{
					"index": idx,
					"error": err.Error(),
				})
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return qerr.New(qerr.ErrTimeout, "stop_scripts", ctx.Err())
	}
}

// Pause halts advancement; already-current and already-running scripts
// continue to completion but no new script is promoted. Pause is the one
// command spec.md §7 permits even while disabled.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.running = false
	e.emitQueueEventLocked()
	e.mu.Unlock()
}

// Resume re-enables advancement and immediately attempts to promote the
// queue head, if any.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return qerr.New(qerr.ErrDisabled, "resume", nil)
	}
	e.running = true
	e.emitQueueEventLocked()
	e.mu.Unlock()

	e.advance()
	return nil
}

// ShowQueue returns the current Queue snapshot for a one-shot queue event
// reply. Enabled-only per spec.md §4.4/§6.
func (e *Engine) ShowQueue() (queueState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return queueState{}, qerr.New(qerr.ErrDisabled, "show_queue", nil)
	}
	return queueState{snapshot: e.queue.Snapshot(), running: e.running, enabled: e.enabled}, nil
}

// queueState bundles a Queue snapshot with the running/enabled flags
// ShowQueue's caller needs to build a wire QueueEvent.
type queueState struct {
	snapshot queue.Snapshot
	running  bool
	enabled  bool
}

// ShowScript returns the ScriptInfo for idx (pending, current, or
// history), or nil if idx is unknown. Enabled-only per spec.md §4.4/§6.
func (e *Engine) ShowScript(idx int) (*types.ScriptInfo, error) {
	e.mu.Lock()
	enabled := e.enabled
	e.mu.Unlock()
	if !enabled {
		return nil, qerr.New(qerr.ErrDisabled, "show_script", nil)
	}
	return e.queue.Find(idx, true), nil
}

// ShowAvailable re-runs Discovery and returns the standard/external path
// strings verbatim for a one-shot availableScripts reply. Enabled-only
// per spec.md §4.4/§6.
func (e *Engine) ShowAvailable() (standard, external string, err error) {
	e.mu.Lock()
	enabled := e.enabled
	e.mu.Unlock()
	if !enabled {
		return "", "", qerr.New(qerr.ErrDisabled, "show_available_scripts", nil)
	}
	if e.discovery == nil {
		return "", "", nil
	}
	standard, external = e.discovery.AvailableScripts()
	return standard, external, nil
}
