package ipc

// HeartbeatFrame is emitted by the script subprocess once it is up and
// registered on the bus under its launch index.
type HeartbeatFrame struct {
	Type  string `msgpack:"type"`
	Index int    `msgpack:"index"`
}

// StateChangeFrame reports the subprocess's self-observed ScriptState.
// State is the wire name of types.ScriptState (e.g. "CONFIGURED", "ENDED").
type StateChangeFrame struct {
	Type  string `msgpack:"type"`
	Index int    `msgpack:"index"`
	State string `msgpack:"state"`
}

// MetadataFrame carries the script's estimated run duration, emitted once
// configuration completes.
type MetadataFrame struct {
	Type             string  `msgpack:"type"`
	Index            int     `msgpack:"index"`
	DurationEstimate float64 `msgpack:"duration_estimate"`
}

// ConfigureCommand is sent supervisor -> subprocess to deliver the opaque
// config blob once the subprocess is LOADED.
type ConfigureCommand struct {
	Type   string `msgpack:"type"`
	Config []byte `msgpack:"config"`
}

// RunCommand is sent supervisor -> subprocess once ScriptState is
// CONFIGURED, telling it to begin executing.
type RunCommand struct {
	Type string `msgpack:"type"`
}

// StopCommand is sent supervisor -> subprocess to request a graceful stop.
type StopCommand struct {
	Type string `msgpack:"type"`
}

// NewConfigureCommand builds a ConfigureCommand frame.
func NewConfigureCommand(config []byte) *ConfigureCommand {
	return &ConfigureCommand{Type: TypeConfigure, Config: config}
}

// NewRunCommand builds a RunCommand frame.
func NewRunCommand() *RunCommand {
	return &RunCommand{Type: TypeRun}
}

// NewStopCommand builds a StopCommand frame.
func NewStopCommand() *StopCommand {
	return &StopCommand{Type: TypeStop}
}
