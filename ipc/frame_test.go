package ipc

import (
	"bytes"
	"io"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func encodeTestFrame(t *testing.T, v any) []byte {
	t.Helper()
	payload, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return EncodeFrame(payload)
}

func TestDecoderRoundTripsHeartbeat(t *testing.T) {
	buf := new(bytes.Buffer)
	buf.Write(encodeTestFrame(t, HeartbeatFrame{Type: TypeHeartbeat, Index: 100000}))

	dec := NewDecoder(buf)
	payload, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	frame, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	hb, ok := frame.(*HeartbeatFrame)
	if !ok {
		t.Fatalf("expected *HeartbeatFrame, got %T", frame)
	}
	if hb.Index != 100000 {
		t.Fatalf("got index %d, want 100000", hb.Index)
	}
}

func TestDecoderRoundTripsStateChangeAndMetadata(t *testing.T) {
	buf := new(bytes.Buffer)
	buf.Write(encodeTestFrame(t, StateChangeFrame{Type: TypeStateChange, Index: 1, State: "CONFIGURED"}))
	buf.Write(encodeTestFrame(t, MetadataFrame{Type: TypeMetadata, Index: 1, DurationEstimate: 12.5}))

	dec := NewDecoder(buf)

	payload, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	f1, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame 1: %v", err)
	}
	sc, ok := f1.(*StateChangeFrame)
	if !ok || sc.State != "CONFIGURED" {
		t.Fatalf("unexpected frame 1: %#v", f1)
	}

	payload, err = dec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	f2, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame 2: %v", err)
	}
	md, ok := f2.(*MetadataFrame)
	if !ok || md.DurationEstimate != 12.5 {
		t.Fatalf("unexpected frame 2: %#v", f2)
	}

	if _, err := dec.ReadFrame(); err != io.EOF {
		t.Fatalf("expected io.EOF after last frame, got %v", err)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	buf := new(bytes.Buffer)
	var lenBuf [4]byte
	lenBuf[0] = 0xFF // huge length, well beyond MaxPayloadSize
	lenBuf[1] = 0xFF
	lenBuf[2] = 0xFF
	lenBuf[3] = 0xFF
	buf.Write(lenBuf[:])

	dec := NewDecoder(buf)
	_, err := dec.ReadFrame()
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
	if !IsFatalFrameError(err) {
		t.Fatalf("expected fatal frame error, got %v", err)
	}
}

func TestReadFramePartialIsFatal(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 1, 2, 3}) // declares 10 bytes, only 3 present
	dec := NewDecoder(buf)
	_, err := dec.ReadFrame()
	if !IsFatalFrameError(err) {
		t.Fatalf("expected fatal frame error, got %v", err)
	}
}

func TestEncodeCommandRoundTrips(t *testing.T) {
	raw, err := EncodeCommand(NewConfigureCommand([]byte(`{"foo":"bar"}`)))
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	dec := NewDecoder(bytes.NewReader(raw))
	payload, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var cmd ConfigureCommand
	if err := msgpack.Unmarshal(payload, &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(cmd.Config) != `{"foo":"bar"}` {
		t.Fatalf("got config %q", cmd.Config)
	}
}
