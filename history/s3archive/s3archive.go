// Package s3archive mirrors retired ScriptInfo records to S3 as a durable
// audit trail, writing each one when it reaches a terminal ProcessState
// (as it enters the Queue's bounded in-memory history), grounded on the teacher's lode/client_s3.go S3 client construction (the
// AWS SDK config/client wiring, not the teacher's generic Lode dataset
// abstraction, which has no analogue in a script queue's audit record).
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lsst-ts/scriptqueue/log"
	"github.com/lsst-ts/scriptqueue/types"
)

// Config holds configuration for the S3 archive sink.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3archive: bucket is required")
	}
	return nil
}

// ParsePath parses a path in format "bucket/prefix" or "bucket".
func ParsePath(path string) (bucket, prefix string) {
	parts := strings.SplitN(path, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
	}
	return bucket, prefix
}

// record is the JSON shape written to S3 for one retired script. Unlike
// busproto.ScriptEvent (the live wire event), this carries the full
// admission record, since the archive is the only durable copy once the
// in-memory history evicts it.
type record struct {
	Index            int     `json:"sal_index"`
	CmdID            string  `json:"cmd_id"`
	Kind             string  `json:"kind"`
	Path             string  `json:"path"`
	Descr            string  `json:"descr"`
	ProcessState     string  `json:"process_state"`
	ScriptState      string  `json:"script_state"`
	TimestampStart   float64 `json:"timestamp_start"`
	TimestampEnd     float64 `json:"timestamp_end"`
	DurationEstimate float64 `json:"duration_estimate"`
}

func infoToRecord(info *types.ScriptInfo) record {
	return record{
		Index:            info.Index,
		CmdID:            info.CmdID,
		Kind:             info.Kind.String(),
		Path:             info.Path,
		Descr:            info.Descr,
		ProcessState:     info.ProcessState.String(),
		ScriptState:      info.ScriptState.String(),
		TimestampStart:   info.TimestampStart,
		TimestampEnd:     info.TimestampEnd,
		DurationEstimate: info.DurationEstimate,
	}
}

// Archiver is a write-only S3 mirror of retired ScriptInfo records. It is
// never read back — the core holds no persisted queue state beyond its
// bounded in-memory history.
type Archiver struct {
	client *s3.Client
	config Config
	logger *log.Logger
}

// New connects to S3 using the AWS SDK's default credential chain (env
// vars, shared config, IAM role), mirroring the teacher's
// NewLodeS3Client.
func New(ctx context.Context, cfg Config, logger *log.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3archive: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsConfig, s3Opts...),
		config: cfg,
		logger: logger,
	}, nil
}

// Put mirrors a retired ScriptInfo to S3 under a day-partitioned key, so
// an operator can find a run's record without listing the whole bucket.
// Put failures are logged and swallowed: the archive is best-effort
// (spec.md's core never blocks queue advancement on it).
func (a *Archiver) Put(ctx context.Context, info *types.ScriptInfo, retiredAt time.Time) {
	body, err := json.Marshal(infoToRecord(info))
	if err != nil {
		a.logger.Error("s3archive: marshal failed", map[string]any{"index": info.Index, "error": err.Error()})
		return
	}

	key := a.key(info, retiredAt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &a.config.Bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		a.logger.Error("s3archive: put failed", map[string]any{"index": info.Index, "key": key, "error": err.Error()})
	}
}

func (a *Archiver) key(info *types.ScriptInfo, retiredAt time.Time) string {
	day := retiredAt.UTC().Format("2006-01-02")
	if a.config.Prefix == "" {
		return fmt.Sprintf("%s/%d.json", day, info.Index)
	}
	return fmt.Sprintf("%s/%s/%d.json", strings.TrimSuffix(a.config.Prefix, "/"), day, info.Index)
}
