// Package ipc implements the length-prefixed msgpack framing used between
// the Supervisor and a script subprocess: heartbeat, state_change, and
// metadata frames flow subprocess -> supervisor; configure, run, and stop
// frames flow supervisor -> subprocess.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame size limits. Script lifecycle frames are small control messages,
// not bulk data, so the ceiling is modest compared to a data-plane IPC
// channel.
const (
	// MaxFrameSize is the maximum frame size (1 MiB), including the
	// length prefix.
	MaxFrameSize = 1 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Frame type discriminants.
const (
	TypeHeartbeat   = "heartbeat"
	TypeStateChange = "state_change"
	TypeMetadata    = "metadata"
	TypeConfigure   = "configure"
	TypeRun         = "run"
	TypeStop        = "stop"
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error is fatal (the stream should be
// abandoned and the subprocess terminated).
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if err is a fatal *FrameError.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// Decoder decodes length-prefixed msgpack frames from a stream.
type Decoder struct {
	reader io.Reader
}

// NewDecoder wraps r with bufio.Reader (if not already buffered) to reduce
// syscall overhead on unbuffered sources such as OS pipes from a child
// process.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{reader: br}
}

// ReadFrame reads one frame and returns its raw msgpack payload.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError{Kind: FrameErrorPartial}: incomplete frame (fatal)
//   - *FrameError{Kind: FrameErrorTooLarge}: frame exceeds the limit (fatal)
func (d *Decoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.reader, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}

	return payload, nil
}

// probeFrameType extracts the "type" field from a msgpack map without
// fully decoding the rest of the payload.
func probeFrameType(payload []byte) (string, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", err
	}
	for range n {
		key, err := dec.DecodeString()
		if err != nil {
			return "", err
		}
		if key == "type" {
			return dec.DecodeString()
		}
		if err := dec.Skip(); err != nil {
			return "", err
		}
	}
	return "", errors.New("missing type field")
}

// DecodeFrame decodes a payload and returns a typed frame, discriminated
// by its "type" field.
func DecodeFrame(payload []byte) (any, error) {
	frameType, err := probeFrameType(payload)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode frame type", Err: err}
	}

	switch frameType {
	case TypeHeartbeat:
		var f HeartbeatFrame
		if err := msgpack.Unmarshal(payload, &f); err != nil {
			return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode heartbeat", Err: err}
		}
		return &f, nil
	case TypeStateChange:
		var f StateChangeFrame
		if err := msgpack.Unmarshal(payload, &f); err != nil {
			return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode state_change", Err: err}
		}
		return &f, nil
	case TypeMetadata:
		var f MetadataFrame
		if err := msgpack.Unmarshal(payload, &f); err != nil {
			return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode metadata", Err: err}
		}
		return &f, nil
	default:
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: fmt.Sprintf("unknown frame type %q", frameType)}
	}
}

// EncodeFrame encodes payload with a 4-byte big-endian length prefix.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

// EncodeCommand marshals a command frame (configure/run/stop) and returns
// it length-prefixed, ready to write to the subprocess's stdin.
func EncodeCommand(v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return EncodeFrame(payload), nil
}
