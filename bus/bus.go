// Package bus declares the abstract message-bus port the Engine's command
// intake and event emission is written against. spec.md §1 treats the
// concrete binding as an external collaborator; this interface is that
// boundary, shaped like the teacher's adapter.Adapter port (adapter/adapter.go)
// but two-directional: commands flow in, events flow out.
package bus

import "github.com/lsst-ts/scriptqueue/busproto"

// Envelope is one decoded inbound command, discriminated by Kind. Exactly
// one of the typed fields is non-nil, matching Kind.
type Envelope struct {
	Kind                 string
	Add                  *busproto.AddCommand
	Move                 *busproto.MoveCommand
	Requeue              *busproto.RequeueCommand
	StopScripts          *busproto.StopScriptsCommand
	Pause                *busproto.PauseCommand
	Resume               *busproto.ResumeCommand
	ShowQueue            *busproto.ShowQueueCommand
	ShowAvailableScripts *busproto.ShowAvailableScriptsCommand
	ShowScript           *busproto.ShowScriptCommand
}

// Bus is the abstract command/event surface of spec.md §6. Implementations
// own the transport (Redis pub/sub, an in-process channel for tests, etc.).
type Bus interface {
	// Commands returns the channel of decoded inbound command envelopes.
	// Closed when the Bus is closed or its subscription ends.
	Commands() <-chan Envelope

	// PublishAck publishes a command acknowledgment.
	PublishAck(ack busproto.Ack) error
	// PublishQueue publishes a queue event.
	PublishQueue(event busproto.QueueEvent) error
	// PublishScript publishes a script event.
	PublishScript(event busproto.ScriptEvent) error
	// PublishAvailableScripts publishes an availableScripts event.
	PublishAvailableScripts(event busproto.AvailableScriptsEvent) error

	// Close releases the Bus's transport resources.
	Close() error
}
