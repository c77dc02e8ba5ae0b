package s3archive

import (
	"testing"
	"time"

	"github.com/lsst-ts/scriptqueue/types"
)

func TestConfigValidateRequiresBucket(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing bucket")
	}

	cfg.Bucket = "my-bucket"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path       string
		wantBucket string
		wantPrefix string
	}{
		{"my-bucket", "my-bucket", ""},
		{"my-bucket/scripts", "my-bucket", "scripts"},
		{"my-bucket/scripts/archive", "my-bucket", "scripts/archive"},
		{"", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			bucket, prefix := ParsePath(tt.path)
			if bucket != tt.wantBucket || prefix != tt.wantPrefix {
				t.Errorf("ParsePath(%q) = (%q, %q), want (%q, %q)", tt.path, bucket, prefix, tt.wantBucket, tt.wantPrefix)
			}
		})
	}
}

func TestArchiverKeyWithoutPrefix(t *testing.T) {
	a := &Archiver{config: Config{Bucket: "my-bucket"}}
	info := &types.ScriptInfo{Index: 100003}
	retiredAt := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	got := a.key(info, retiredAt)
	want := "2026-07-31/100003.json"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestArchiverKeyWithPrefix(t *testing.T) {
	a := &Archiver{config: Config{Bucket: "my-bucket", Prefix: "archive/"}}
	info := &types.ScriptInfo{Index: 100004}
	retiredAt := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	got := a.key(info, retiredAt)
	want := "archive/2026-07-31/100004.json"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestArchiverKeyUsesUTCDay(t *testing.T) {
	a := &Archiver{config: Config{Bucket: "my-bucket"}}
	info := &types.ScriptInfo{Index: 100005}

	// 23:30 in a UTC-5 zone is already the next UTC day.
	loc := time.FixedZone("UTC-5", -5*60*60)
	retiredAt := time.Date(2026, 7, 31, 23, 30, 0, 0, loc)

	got := a.key(info, retiredAt)
	want := "2026-08-01/100005.json"
	if got != want {
		t.Errorf("key() = %q, want %q (expected UTC day boundary)", got, want)
	}
}

func TestInfoToRecordCopiesFields(t *testing.T) {
	info := &types.ScriptInfo{
		Index:            100006,
		CmdID:            "cmd-1",
		Kind:             types.Standard,
		Path:             "standard/slew.py",
		Descr:            "slew to target",
		ProcessState:     types.Done,
		ScriptState:      types.Ended,
		TimestampStart:   10.5,
		TimestampEnd:     42.0,
		DurationEstimate: 30.0,
	}

	rec := infoToRecord(info)
	if rec.Index != info.Index || rec.CmdID != info.CmdID || rec.Path != info.Path {
		t.Errorf("infoToRecord did not preserve core fields: %+v", rec)
	}
	if rec.ProcessState != info.ProcessState.String() {
		t.Errorf("ProcessState = %q, want %q", rec.ProcessState, info.ProcessState.String())
	}
	if rec.ScriptState != info.ScriptState.String() {
		t.Errorf("ScriptState = %q, want %q", rec.ScriptState, info.ScriptState.String())
	}
}
