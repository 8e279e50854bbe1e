// Package s3archive is an audit sink that archives events to S3 compatible object storage as
// newline-delimited JSON batches.
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mealplanner/authcore"
)

var (
	ErrNoBucket = errors.New("s3archive: bucket is required")
	ErrClosed   = errors.New("s3archive: sink closed")
)

const (
	defaultBatchSize     = 500
	defaultUploadTimeout = 10 * time.Second
	contentType          = "application/x-ndjson"
)

// PutObjectAPI is the subset of *s3.Client the sink uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config describes the archive location.
type Config struct {
	Bucket string
	// Prefix is prepended to every object key, e.g. "audit/refresh".
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint, for MinIO and other compatible stores.
	Endpoint string
	// AccessKey and SecretKey select a static credentials provider. When empty the default
	// AWS credential chain is used.
	AccessKey string
	SecretKey string
	// BatchSize is the number of events per object. Default 500.
	BatchSize int
	// UploadTimeout bounds a single PutObject. Default 10s.
	UploadTimeout time.Duration
}

// Sink buffers audit events and uploads them in batches. It implements authcore.AuditSink and
// io.Closer, so the engine flushes it on Close.
type Sink struct {
	client PutObjectAPI
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	buf    bytes.Buffer
	count  int
	closed bool
}

// New loads the AWS configuration and returns a sink backed by an S3 client.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg, log)
}

// NewWithClient returns a sink that uploads through client.
func NewWithClient(client PutObjectAPI, cfg Config, log *zap.Logger) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{client: client, cfg: cfg, log: log, now: time.Now}, nil
}

// Emit appends event to the current batch and uploads the batch once it is full. Upload
// failures are logged and the batch is dropped.
func (s *Sink) Emit(ctx context.Context, event authcore.AuditEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		s.log.Error("s3archive: encode event", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf.Write(line)
	s.buf.WriteByte('\n')
	s.count++
	var batch []byte
	if s.count >= s.cfg.BatchSize {
		batch = s.takeLocked()
	}
	s.mu.Unlock()

	if batch != nil {
		if err := s.upload(context.WithoutCancel(ctx), batch); err != nil {
			s.log.Error("s3archive: upload batch", zap.Error(err))
		}
	}
}

// Flush uploads the pending batch, if any.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.takeLocked()
	s.mu.Unlock()

	if batch == nil {
		return nil
	}
	return s.upload(ctx, batch)
}

// Close uploads the pending batch and rejects further events.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	batch := s.takeLocked()
	s.mu.Unlock()

	if batch == nil {
		return nil
	}
	return s.upload(context.Background(), batch)
}

func (s *Sink) takeLocked() []byte {
	if s.count == 0 {
		return nil
	}
	batch := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	s.count = 0
	return batch
}

func (s *Sink) upload(ctx context.Context, batch []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	defer cancel()

	key := s.objectKey()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(batch),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.log.Debug("s3archive: batch uploaded", zap.String("key", key), zap.Int("bytes", len(batch)))
	return nil
}

// objectKey is prefix/yyyy/mm/dd/<uuid>.ndjson in UTC.
func (s *Sink) objectKey() string {
	day := s.now().UTC().Format("2006/01/02")
	return path.Join(s.cfg.Prefix, day, uuid.NewString()+".ndjson")
}
