package engine

import (
	"github.com/lsst-ts/scriptqueue/bus"
	"github.com/lsst-ts/scriptqueue/busproto"
	"github.com/lsst-ts/scriptqueue/log"
	"github.com/lsst-ts/scriptqueue/queue"
	"github.com/lsst-ts/scriptqueue/types"
)

// snapshotToQueueEvent converts a Queue snapshot and the Engine's
// running/enabled flags into the wire QueueEvent of spec.md §6: a current
// index (0 if none) and fixed-width zero-padded pending/history windows.
func snapshotToQueueEvent(snap queue.Snapshot, running, enabled bool) busproto.QueueEvent {
	current := 0
	if snap.Current != nil {
		current = snap.Current.Index
	}

	pendingIdx := make([]int, len(snap.Pending))
	for i, info := range snap.Pending {
		pendingIdx[i] = info.Index
	}
	historyIdx := make([]int, len(snap.History))
	for i, info := range snap.History {
		historyIdx[i] = info.Index
	}

	return busproto.QueueEvent{
		Enabled:         enabled,
		Running:         running,
		CurrentSalIndex: current,
		Length:          len(pendingIdx),
		SalIndices:      busproto.PadIndices(pendingIdx),
		PastLength:      len(historyIdx),
		PastSalIndices:  busproto.PadIndices(historyIdx),
	}
}

// infoToScriptEvent converts a ScriptInfo into the wire ScriptEvent of
// spec.md §6.
func infoToScriptEvent(info *types.ScriptInfo) busproto.ScriptEvent {
	return busproto.ScriptEvent{
		CmdID:        info.CmdID,
		SalIndex:     info.Index,
		Path:         info.Path,
		IsStandard:   info.Kind.IsStandard(),
		Timestamp:    info.TimestampStart,
		Duration:     info.DurationEstimate,
		ProcessState: info.ProcessState.String(),
		ScriptState:  info.ScriptState.String(),
	}
}

// wireToLocation translates an inbound wire location string into
// types.Location, per spec.md §6's enum.
func wireToLocation(wire string) types.Location {
	switch wire {
	case busproto.LocationFirst:
		return types.First
	case busproto.LocationLast:
		return types.Last
	case busproto.LocationBefore:
		return types.Before
	case busproto.LocationAfter:
		return types.After
	default:
		// Unrecognized wire location: fall back to a value Queue.Insert's
		// switch default rejects, so bad wire input surfaces as
		// qerr.ErrLocationInvalid (qerr.ErrUnknownIndex on move, which
		// Queue.Move maps a failed re-insert to) rather than silently
		// defaulting to FIRST.
		return types.Location(-1)
	}
}

// BusNotifier adapts a bus.Bus into an engine.Notifier, publishing a queue
// or script event for every Engine-driven state change. A publish failure
// is fatal to the process per spec.md §7 ("treated as fatal"): the
// log.Logger wrapper exposes no Fatal level (log/logger.go), so BusNotifier
// logs at Error and then invokes OnFatal, which defaults to panic but is
// overridable so tests can observe the failure instead of crashing.
type BusNotifier struct {
	bus    bus.Bus
	logger *log.Logger
	// OnFatal is invoked (instead of panicking) when a publish fails, if
	// set. Defaults to nil, in which case NewBusNotifier's caller gets the
	// panic behavior via the zero-value check in publishFailed.
	OnFatal func(error)
}

// NewBusNotifier constructs a BusNotifier over b.
func NewBusNotifier(b bus.Bus, logger *log.Logger) *BusNotifier {
	return &BusNotifier{bus: b, logger: logger}
}

// OnQueueChanged implements engine.Notifier.
func (n *BusNotifier) OnQueueChanged(snapshot queue.Snapshot, running, enabled bool) {
	event := snapshotToQueueEvent(snapshot, running, enabled)
	if err := n.bus.PublishQueue(event); err != nil {
		n.publishFailed("queue", err)
	}
}

// OnScriptChanged implements engine.Notifier.
func (n *BusNotifier) OnScriptChanged(info *types.ScriptInfo) {
	event := infoToScriptEvent(info)
	if err := n.bus.PublishScript(event); err != nil {
		n.publishFailed("script", err)
	}
}

// OnAvailableScripts implements engine.Notifier.
func (n *BusNotifier) OnAvailableScripts(standard, external string) {
	event := busproto.AvailableScriptsEvent{Standard: standard, External: external}
	if err := n.bus.PublishAvailableScripts(event); err != nil {
		n.publishFailed("availableScripts", err)
	}
}

func (n *BusNotifier) publishFailed(kind string, err error) {
	n.logger.Error("bus publish failed, fatal", map[string]any{
		"event": kind,
		"error": err.Error(),
	})
	if n.OnFatal != nil {
		n.OnFatal(err)
		return
	}
	panic(err)
}

var _ Notifier = (*BusNotifier)(nil)
