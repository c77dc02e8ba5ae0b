package types

// ScriptInfo is the record of one admitted script, from the moment it is
// created by add/requeue until it is evicted from history.
//
// Index, CmdID, Kind, Path, Config, and Descr are immutable for the life
// of the record. ProcessState, ScriptState, the timestamps, and the
// duration estimate are mutated only by the Supervisor.
type ScriptInfo struct {
	// Index is the unique SAL index allocated at admission. Immutable.
	Index int
	// CmdID is the opaque identifier of the submitting command. Immutable.
	CmdID string
	// Kind selects the root directory Path resolves against. Immutable.
	Kind ScriptKind
	// Path is the script's path, relative to root(Kind). Immutable.
	Path string
	// Config is the opaque configuration blob forwarded to the script
	// unexamined. Immutable — requeue always copies this original value.
	Config []byte
	// Descr is a human-readable description supplied at admission. Immutable.
	Descr string

	// ProcessState is the supervisor's view of the subprocess lifecycle.
	ProcessState ProcessState
	// ScriptState is the subprocess's self-reported internal state.
	ScriptState ScriptState

	// TimestampStart is the monotonic time (seconds) the subprocess was
	// spawned.
	TimestampStart float64
	// TimestampEnd is the monotonic time (seconds) the subprocess exited;
	// zero until it does.
	TimestampEnd float64
	// DurationEstimate is the script-reported estimated run duration in
	// seconds; zero until the script reports its metadata.
	DurationEstimate float64
}

// Clone returns a deep-enough copy of s suitable for publishing to a
// notifier without races against subsequent Supervisor mutation. Config
// is a byte slice and is shared (it is immutable for the record's life),
// so no copy is needed for it.
func (s *ScriptInfo) Clone() *ScriptInfo {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Runnable reports whether this script's head-of-queue is eligible for
// promotion per spec.md I7: LOADED and CONFIGURED.
func (s *ScriptInfo) Runnable() bool {
	return s.ProcessState == Loaded && s.ScriptState.IsConfigured()
}
