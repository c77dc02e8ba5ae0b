package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lsst-ts/scriptqueue/bus"
	"github.com/lsst-ts/scriptqueue/busproto"
	"github.com/lsst-ts/scriptqueue/qerr"
	"github.com/lsst-ts/scriptqueue/types"
)

// CommandSource is the inbound half of bus.Bus the dispatch loop consumes.
// Narrowed to an interface so tests can drive Serve with an in-process
// channel instead of a real Bus.
type CommandSource interface {
	Commands() <-chan bus.Envelope
}

// Serve runs the dispatch loop until ctx is canceled or source's channel
// closes: one envelope in, two Acks out, per spec.md §6's
// IN_PROGRESS/terminal-COMPLETE-or-FAILED ack protocol. Every command gets
// an immediate IN_PROGRESS ack before the command itself runs, matching
// the teacher's adapter pattern of acking receipt before processing.
func (e *Engine) Serve(ctx context.Context, source CommandSource, publisher Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-source.Commands():
			if !ok {
				return
			}
			e.handleEnvelope(ctx, env, publisher)
		}
	}
}

// handleEnvelope routes one decoded command to its Engine method and
// publishes the resulting ack.
func (e *Engine) handleEnvelope(ctx context.Context, env bus.Envelope, publisher Publisher) {
	cmdID := envelopeCmdID(env)
	if cmdID == "" {
		cmdID = uuid.NewString()
	}

	_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseInProgress})

	switch env.Kind {
	case busproto.KindAdd:
		e.handleAdd(ctx, cmdID, env.Add, publisher)
	case busproto.KindMove:
		e.handleMove(cmdID, env.Move, publisher)
	case busproto.KindRequeue:
		e.handleRequeue(ctx, cmdID, env.Requeue, publisher)
	case busproto.KindStopScripts:
		e.handleStopScripts(cmdID, env.StopScripts, publisher)
	case busproto.KindPause:
		e.Pause()
		_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseComplete})
	case busproto.KindResume:
		if err := e.Resume(); err != nil {
			e.failAck(publisher, cmdID, "resume", err)
			return
		}
		_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseComplete})
	case busproto.KindShowQueue:
		state, err := e.ShowQueue()
		if err != nil {
			e.failAck(publisher, cmdID, "show_queue", err)
			return
		}
		event := snapshotToQueueEvent(state.snapshot, state.running, state.enabled)
		_ = publisher.PublishQueue(event)
		_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseComplete})
	case busproto.KindShowAvailableScripts:
		standard, external, err := e.ShowAvailable()
		if err != nil {
			e.failAck(publisher, cmdID, "show_available_scripts", err)
			return
		}
		_ = publisher.PublishAvailableScripts(busproto.AvailableScriptsEvent{Standard: standard, External: external})
		_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseComplete})
	case busproto.KindShowScript:
		e.handleShowScript(cmdID, env.ShowScript, publisher)
	default:
		e.failAck(publisher, cmdID, "dispatch", fmt.Errorf("unknown command kind %q", env.Kind))
	}
}

func (e *Engine) handleAdd(ctx context.Context, cmdID string, cmd *busproto.AddCommand, publisher Publisher) {
	if cmd == nil {
		e.failAck(publisher, cmdID, "add", qerr.New(qerr.ErrBadPath, "add", nil))
		return
	}
	location := wireToLocation(cmd.Location)
	idx, err := e.Add(ctx, types.KindFromIsStandard(cmd.IsStandard), cmd.Path, []byte(cmd.Config), cmd.Descr, location, cmd.LocationSalIndex, cmdID)
	if err != nil {
		e.failAck(publisher, cmdID, "add", err)
		return
	}
	_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseComplete, Result: fmt.Sprintf("%d", idx)})
}

func (e *Engine) handleRequeue(ctx context.Context, cmdID string, cmd *busproto.RequeueCommand, publisher Publisher) {
	if cmd == nil {
		e.failAck(publisher, cmdID, "requeue", qerr.New(qerr.ErrUnknownIndex, "requeue", nil))
		return
	}
	location := wireToLocation(cmd.Location)
	idx, err := e.Requeue(ctx, cmd.SalIndex, location, cmd.LocationSalIndex, cmdID)
	if err != nil {
		e.failAck(publisher, cmdID, "requeue", err)
		return
	}
	_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseComplete, Result: fmt.Sprintf("%d", idx)})
}

func (e *Engine) handleMove(cmdID string, cmd *busproto.MoveCommand, publisher Publisher) {
	if cmd == nil {
		e.failAck(publisher, cmdID, "move", qerr.New(qerr.ErrNotQueued, "move", nil))
		return
	}
	location := wireToLocation(cmd.Location)
	if err := e.Move(cmd.SalIndex, location, cmd.LocationSalIndex); err != nil {
		e.failAck(publisher, cmdID, "move", err)
		return
	}
	_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseComplete})
}

func (e *Engine) handleStopScripts(cmdID string, cmd *busproto.StopScriptsCommand, publisher Publisher) {
	if cmd == nil {
		e.failAck(publisher, cmdID, "stop_scripts", qerr.New(qerr.ErrLengthInvalid, "stop_scripts", nil))
		return
	}
	if err := e.StopScripts(cmd.SalIndices, cmd.Terminate); err != nil {
		e.failAck(publisher, cmdID, "stop_scripts", err)
		return
	}
	_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseComplete})
}

func (e *Engine) handleShowScript(cmdID string, cmd *busproto.ShowScriptCommand, publisher Publisher) {
	if cmd == nil {
		e.failAck(publisher, cmdID, "show_script", qerr.New(qerr.ErrUnknownIndex, "show_script", nil))
		return
	}
	info, err := e.ShowScript(cmd.SalIndex)
	if err != nil {
		e.failAck(publisher, cmdID, "show_script", err)
		return
	}
	if info == nil {
		e.failAck(publisher, cmdID, "show_script", qerr.New(qerr.ErrUnknownIndex, "show_script", nil))
		return
	}
	_ = publisher.PublishScript(infoToScriptEvent(info))
	_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseComplete})
}

// failAck publishes a terminal FAILED ack carrying err's message.
func (e *Engine) failAck(publisher Publisher, cmdID, op string, err error) {
	e.logger.Warn("command failed", map[string]any{"op": op, "cmd_id": cmdID, "error": err.Error()})
	_ = publisher.PublishAck(busproto.Ack{CmdID: cmdID, Phase: busproto.PhaseFailed, Error: err.Error()})
}

// envelopeCmdID extracts the correlation id embedded in whichever typed
// command env carries, or "" if env carries none (malformed envelope).
func envelopeCmdID(env bus.Envelope) string {
	switch env.Kind {
	case busproto.KindAdd:
		if env.Add != nil {
			return env.Add.CmdID
		}
	case busproto.KindMove:
		if env.Move != nil {
			return env.Move.CmdID
		}
	case busproto.KindRequeue:
		if env.Requeue != nil {
			return env.Requeue.CmdID
		}
	case busproto.KindStopScripts:
		if env.StopScripts != nil {
			return env.StopScripts.CmdID
		}
	case busproto.KindPause:
		if env.Pause != nil {
			return env.Pause.CmdID
		}
	case busproto.KindResume:
		if env.Resume != nil {
			return env.Resume.CmdID
		}
	case busproto.KindShowQueue:
		if env.ShowQueue != nil {
			return env.ShowQueue.CmdID
		}
	case busproto.KindShowAvailableScripts:
		if env.ShowAvailableScripts != nil {
			return env.ShowAvailableScripts.CmdID
		}
	case busproto.KindShowScript:
		if env.ShowScript != nil {
			return env.ShowScript.CmdID
		}
	}
	return ""
}
