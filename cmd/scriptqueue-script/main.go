// Package main provides scriptqueue-script, a minimal black-box
// subprocess standing in for a real observing script. It speaks exactly
// the wire protocol supervisor.Supervisor drives: heartbeat, wait for
// configure, report CONFIGURED + a duration estimate, wait for run or
// stop, and exit. The core never inspects what a script actually does
// (spec.md §1), so this binary's only job is to be a faithful, minimal
// protocol participant for manual and integration testing against a
// real standardpath/externalpath directory.
//
// Usage:
//
//	scriptqueue-script <index>
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lsst-ts/scriptqueue/ipc"
)

// runDuration simulates a brief period of work once the Run command
// arrives, so downstream consumers (the TUI, archived history) see a
// RUNNING state that isn't instantaneous.
const runDuration = 500 * time.Millisecond

func main() {
	index := 0
	if len(os.Args) > 1 {
		if v, err := strconv.Atoi(os.Args[1]); err == nil {
			index = v
		}
	}

	write(ipc.HeartbeatFrame{Type: ipc.TypeHeartbeat, Index: index})

	dec := ipc.NewDecoder(os.Stdin)

	if !awaitConfigure(dec, index) {
		os.Exit(1)
	}

	write(ipc.StateChangeFrame{Type: ipc.TypeStateChange, Index: index, State: "CONFIGURED"})
	write(ipc.MetadataFrame{Type: ipc.TypeMetadata, Index: index, DurationEstimate: runDuration.Seconds()})

	switch awaitRunOrStop(dec, index) {
	case "run":
		write(ipc.StateChangeFrame{Type: ipc.TypeStateChange, Index: index, State: "RUNNING"})
		time.Sleep(runDuration)
		write(ipc.StateChangeFrame{Type: ipc.TypeStateChange, Index: index, State: "ENDED"})
	case "stop":
		write(ipc.StateChangeFrame{Type: ipc.TypeStateChange, Index: index, State: "STOPPED"})
	default:
		os.Exit(1)
	}
}

func write(v any) {
	raw, err := ipc.EncodeCommand(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scriptqueue-script: encode failed: %v\n", err)
		os.Exit(1)
	}
	if _, err := os.Stdout.Write(raw); err != nil {
		os.Exit(1)
	}
}

func awaitConfigure(dec *ipc.Decoder, index int) bool {
	payload, err := dec.ReadFrame()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scriptqueue-script[%d]: read configure: %v\n", index, err)
		return false
	}
	var cfg ipc.ConfigureCommand
	return msgpack.Unmarshal(payload, &cfg) == nil
}

// awaitRunOrStop reads frames from the supervisor until a run or stop
// command arrives, returning which one. A script waiting at the head of
// the pending queue may be stopped before it is ever run.
func awaitRunOrStop(dec *ipc.Decoder, index int) string {
	for {
		payload, err := dec.ReadFrame()
		if err != nil {
			fmt.Fprintf(os.Stderr, "scriptqueue-script[%d]: read command: %v\n", index, err)
			return ""
		}

		var probe struct {
			Type string `msgpack:"type"`
		}
		if err := msgpack.Unmarshal(payload, &probe); err != nil {
			continue
		}

		switch probe.Type {
		case ipc.TypeRun:
			return "run"
		case ipc.TypeStop:
			return "stop"
		}
	}
}
