package bulk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/coupon-service/internal/domain/coupon"
)

// ErrNoCustomers is returned when a request carries no customer keys.
var ErrNoCustomers = &coupon.InvalidError{Field: "customer_keys", Reason: "must not be empty"}

// Creator creates a single coupon in its own transaction.
type Creator interface {
	Create(ctx context.Context, in coupon.Input) (*coupon.Coupon, error)
}

// Request is a bulk creation request. Either CustomerKeys or File is set.
type Request struct {
	Template     coupon.Input
	CustomerKeys []string
	File         io.Reader
	FileName     string
}

// Report summarizes a bulk run.
type Report struct {
	Created int
	Failed  int
}

func (r Report) String() string {
	return fmt.Sprintf("created=%d failed=%d", r.Created, r.Failed)
}

type job struct {
	taskID   string
	template coupon.Input
	keys     []string
}

// Service accepts bulk requests and processes them sequentially in Run.
type Service struct {
	creator  Creator
	tasks    TaskRepository
	blobs    BlobStorage
	settings coupon.Settings
	maxFile  int64
	jobs     chan job
}

// Option configures a Service.
type Option func(*Service)

// WithBlobStorage uploads request files before processing.
func WithBlobStorage(b BlobStorage) Option {
	return func(s *Service) { s.blobs = b }
}

// WithMaxFileSize limits the size of uploaded files.
func WithMaxFileSize(n int64) Option {
	return func(s *Service) { s.maxFile = n }
}

// WithQueueSize sets how many accepted tasks may wait for processing.
func WithQueueSize(n int) Option {
	return func(s *Service) { s.jobs = make(chan job, n) }
}

// NewService creates a Service.
func NewService(creator Creator, tasks TaskRepository, settings coupon.Settings, opts ...Option) *Service {
	s := &Service{
		creator:  creator,
		tasks:    tasks,
		settings: settings,
		maxFile:  10 << 20,
		jobs:     make(chan job, 16),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit validates the request, stores the source file and queues a task.
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	tmpl := req.Template
	tmpl.CustomerKey = nil
	tmpl.Normalize()
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	if err := tmpl.CheckSchedule(s.settings.Clock(), s.settings.Loc(), true); err != nil {
		return nil, err
	}

	var (
		keys    []string
		fileKey string
	)
	if req.File != nil {
		raw, err := io.ReadAll(io.LimitReader(req.File, s.maxFile+1))
		if err != nil {
			return nil, errors.Wrap(err, "read file")
		}
		if int64(len(raw)) > s.maxFile {
			return nil, &coupon.InvalidError{Field: "file", Reason: fmt.Sprintf("must not exceed %d bytes", s.maxFile)}
		}
		if keys, err = ReadCustomerKeys(bytes.NewReader(raw)); err != nil {
			return nil, &coupon.InvalidError{Field: "file", Reason: err.Error()}
		}
		fileKey = s.upload(ctx, req.FileName, raw)
	} else {
		keys = SplitCustomerKeys(req.CustomerKeys)
	}
	if len(keys) == 0 {
		return nil, ErrNoCustomers
	}

	t := &Task{
		Status:    StatusCreated,
		Data:      encodeTaskData(tmpl, fileKey, len(keys)),
		CreatedAt: s.settings.Clock(),
	}
	if err := s.tasks.Create(ctx, t); err != nil {
		return nil, errors.Wrap(err, "create task")
	}

	j := job{taskID: t.ID, template: tmpl, keys: keys}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		s.abandon(ctx, j)
		return nil, ctx.Err()
	}

	zctx.From(ctx).Info("Bulk task accepted",
		zap.String("task_id", t.ID),
		zap.Int("customers", len(keys)),
		zap.String("file_key", fileKey),
	)
	return t, nil
}

// Task returns a task by id.
func (s *Service) Task(ctx context.Context, id string) (*Task, error) {
	return s.tasks.Get(ctx, id)
}

// Run processes queued tasks until ctx is done. Tasks still queued then are
// marked failed.
func (s *Service) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	for {
		select {
		case <-ctx.Done():
			s.drain(ctx)
			return nil
		case j := <-s.jobs:
			if ctx.Err() != nil {
				s.abandon(ctx, j)
				continue
			}
			if err := s.process(ctx, j); err != nil {
				lg.Error("Bulk task failed", zap.String("task_id", j.taskID), zap.Error(err))
			}
		}
	}
}

func (s *Service) drain(ctx context.Context) {
	for {
		select {
		case j := <-s.jobs:
			s.abandon(ctx, j)
		default:
			return
		}
	}
}

// abandon marks a task that will never be processed as failed.
func (s *Service) abandon(ctx context.Context, j job) {
	report := Report{Failed: len(j.keys)}
	if err := s.tasks.SetStatus(context.WithoutCancel(ctx), j.taskID, StatusFailed, report.String()); err != nil {
		zctx.From(ctx).Error("Mark bulk task failed", zap.String("task_id", j.taskID), zap.Error(err))
		return
	}
	zctx.From(ctx).Warn("Bulk task dropped before processing", zap.String("task_id", j.taskID))
}

func (s *Service) process(ctx context.Context, j job) error {
	ctx = zctx.With(ctx, zap.String("task_id", j.taskID))
	if err := s.tasks.SetStatus(ctx, j.taskID, StatusInProgress, ""); err != nil {
		return errors.Wrap(err, "mark in progress")
	}

	report := CreateAll(ctx, s.creator, j.template, j.keys)

	status := StatusCompleted
	if ctx.Err() != nil {
		status = StatusFailed
	}
	// The run context may already be cancelled; the final status must still land.
	if err := s.tasks.SetStatus(context.WithoutCancel(ctx), j.taskID, status, report.String()); err != nil {
		return errors.Wrap(err, "mark done")
	}
	zctx.From(ctx).Info("Bulk task finished",
		zap.String("status", string(status)),
		zap.Int("created", report.Created),
		zap.Int("failed", report.Failed),
	)
	return nil
}

// CreateAll creates one coupon per customer key from template. Failures are
// logged and counted and never undo coupons created before them.
func CreateAll(ctx context.Context, creator Creator, template coupon.Input, keys []string) Report {
	lg := zctx.From(ctx)
	var r Report
	for i, key := range keys {
		if ctx.Err() != nil {
			r.Failed += len(keys) - i
			break
		}
		in := template
		in.CustomerKey = &key
		if _, err := creator.Create(ctx, in); err != nil {
			r.Failed++
			lg.Warn("Create customer coupon", zap.String("customer_key", key), zap.Error(err))
			continue
		}
		r.Created++
		if (i+1)%1000 == 0 {
			lg.Info("Bulk progress", zap.Int("processed", i+1), zap.Int("total", len(keys)))
		}
	}
	return r
}

// upload stores the raw file and returns its key. Failures are logged and
// yield an empty key.
func (s *Service) upload(ctx context.Context, name string, raw []byte) string {
	if s.blobs == nil {
		return ""
	}
	key := uuid.NewString() + strings.ToLower(path.Ext(name))
	contentType := "text/csv"
	if bytes.HasPrefix(raw, gzipMagic) {
		contentType = "application/gzip"
	}
	if err := s.blobs.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)), contentType); err != nil {
		zctx.From(ctx).Warn("Upload bulk file", zap.String("key", key), zap.Error(err))
		return ""
	}
	return key
}

func encodeTaskData(tmpl coupon.Input, fileKey string, customers int) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("template")
	e.ObjStart()
	e.FieldStart("code")
	e.Str(tmpl.Code)
	e.FieldStart("description")
	e.Str(tmpl.Description)
	e.FieldStart("type")
	e.Str(string(tmpl.Type))
	e.FieldStart("value")
	e.Str(tmpl.Value.StringFixed(2))
	e.FieldStart("valid_from")
	e.Str(tmpl.ValidFrom.Format(time.RFC3339))
	e.FieldStart("valid_until")
	e.Str(tmpl.ValidUntil.Format(time.RFC3339))
	e.FieldStart("created_by")
	e.Str(tmpl.CreatedBy)
	e.ObjEnd()
	if fileKey != "" {
		e.FieldStart("file_key")
		e.Str(fileKey)
	}
	e.FieldStart("customers")
	e.Int(customers)
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}
