package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reelflow/internal/metrics"
	"reelflow/internal/s3"
	"reelflow/internal/tempstore"
	"reelflow/internal/transform"
	"reelflow/internal/video"
	"reelflow/internal/worker"
)

// DefaultSingleShotMax is the largest output published with one PUT.
const DefaultSingleShotMax = 5 << 20

// DefaultAllowedExtensions are the video containers accepted for upload.
var DefaultAllowedExtensions = []string{".mp4", ".mov", ".webm", ".avi", ".mkv", ".flv", ".wmv", ".m4v"}

type Options struct {
	AllowedExtensions []string
	SingleShotMax     int64
	WaitTimeout       time.Duration
	// BackendURL prefixes the streaming URL handed back to clients.
	BackendURL string
}

// Deps are the collaborators of a Service. Objects and Poster may be nil.
type Deps struct {
	Stager    Stager
	Runner    Runner
	Publisher Publisher
	Store     MetadataStore
	Objects   ObjectOpener
	Poster    PosterGenerator
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Service struct {
	stager    Stager
	runner    Runner
	publisher Publisher
	store     MetadataStore
	objects   ObjectOpener
	poster    PosterGenerator
	logger    *zap.Logger
	metrics   *metrics.Metrics

	allowed       map[string]struct{}
	allowedList   []string
	singleShotMax int64
	waitTimeout   time.Duration
	backendURL    string
}

func NewService(deps Deps, opts Options) *Service {
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = DefaultAllowedExtensions
	}
	if opts.SingleShotMax <= 0 {
		opts.SingleShotMax = DefaultSingleShotMax
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = worker.DefaultWaitTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	allowedList := make([]string, 0, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(ext)
		if _, dup := allowed[ext]; dup {
			continue
		}
		allowed[ext] = struct{}{}
		allowedList = append(allowedList, ext)
	}

	return &Service{
		stager:        deps.Stager,
		runner:        deps.Runner,
		publisher:     deps.Publisher,
		store:         deps.Store,
		objects:       deps.Objects,
		poster:        deps.Poster,
		logger:        logger.With(zap.String("component", "upload")),
		metrics:       deps.Metrics,
		allowed:       allowed,
		allowedList:   allowedList,
		singleShotMax: opts.SingleShotMax,
		waitTimeout:   opts.WaitTimeout,
		backendURL:    strings.TrimRight(opts.BackendURL, "/"),
	}
}

// ValidateExtension returns the lower-cased extension of filename if it is
// on the allow-list.
func (s *Service) ValidateExtension(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := s.allowed[ext]; !ok || ext == "" {
		return "", &ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("extension %q is not supported", ext),
			Err:     ErrUnsupportedExtension,
		}
	}
	return ext, nil
}

// AllowedExtensions returns the configured allow-list in configuration order.
func (s *Service) AllowedExtensions() []string {
	return slices.Clone(s.allowedList)
}

// SelectStrategy picks single-shot publishing up to and including singleShotMax bytes.
func SelectStrategy(size, singleShotMax int64) Strategy {
	if size <= singleShotMax {
		return StrategySingle
	}
	return StrategyMultipart
}

// Ingest stages, transforms, publishes and records one upload. Every file
// staged on the way is removed before it returns, whatever the outcome.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	ext, err := s.ValidateExtension(req.Filename)
	if err != nil {
		s.metrics.Ingested("rejected")
		return nil, err
	}
	if strings.TrimSpace(req.Owner) == "" {
		s.metrics.Ingested("rejected")
		return nil, &ValidationError{Field: "owner", Message: "missing"}
	}
	if _, err := uuid.Parse(req.Owner); err != nil {
		s.metrics.Ingested("rejected")
		return nil, &ValidationError{Field: "owner", Message: "must be a UUID", Err: err}
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return nil, s.fail(&StageError{Stage: StageIdentify, Err: err})
	}
	id := uid.String()
	log := s.logger.With(zap.String("video_id", id), zap.String("owner", req.Owner))

	scope := s.stager.NewScope()
	defer scope.Release()

	input, err := scope.Stage(ctx, req.Body, ext)
	if err != nil {
		return nil, s.fail(&StageError{Stage: StageStage, ID: id, Err: err})
	}

	description := req.Description
	if req.ResolveDescription != nil {
		if description, err = req.ResolveDescription(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				s.metrics.Ingested("rejected")
				return nil, err
			}
			return nil, s.fail(&StageError{Stage: StageStage, ID: id, Err: err})
		}
	}

	res, err := s.transform(ctx, id, input)
	if err != nil {
		return nil, s.fail(&StageError{Stage: StageTransform, ID: id, Err: err})
	}
	output := input
	if res.Path != input.Path() {
		output = scope.Adopt(res.Path)
	}

	key := id + output.Ext()
	url, err := s.publish(ctx, output, key)
	if err != nil {
		return nil, s.fail(&StageError{Stage: StagePublish, ID: id, Err: err})
	}

	s.publishPoster(ctx, log, id, output, res.Media)

	rec := &video.Record{ID: id, AuthorID: req.Owner, URL: url, Description: description}
	if err := s.store.Create(ctx, rec); err != nil {
		s.removeObject(log, key)
		if s.poster != nil {
			s.removeObject(log, posterKey(id))
		}
		return nil, s.fail(&StageError{Stage: StagePersist, ID: id, Err: err})
	}

	s.metrics.Ingested("success")
	log.Info("video ingested",
		zap.Stringer("decision", res.Decision),
		zap.String("key", key),
		zap.String("url", url))

	return &Result{URL: fmt.Sprintf("%s/stream-video/%s", s.backendURL, id), ID: id}, nil
}

func (s *Service) transform(ctx context.Context, id string, input *tempstore.StagedFile) (transform.Result, error) {
	handle, err := s.runner.Submit(worker.Job{ID: id, Input: input})
	if err != nil {
		return transform.Result{}, err
	}
	return handle.Wait(ctx, s.waitTimeout)
}

func (s *Service) publish(ctx context.Context, f *tempstore.StagedFile, key string) (string, error) {
	size, err := f.Size()
	if err != nil {
		return "", fmt.Errorf("stat output: %w", err)
	}

	strategy := SelectStrategy(size, s.singleShotMax)
	var url string
	switch strategy {
	case StrategySingle:
		url, err = s.publisher.UploadSingle(ctx, s3.FilePayload(f.Path()), key, true)
	case StrategyMultipart:
		url, err = s.publisher.UploadMultipart(ctx, f.Path(), key, true)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.Published(string(strategy), outcome)
	if err != nil {
		return "", fmt.Errorf("%s upload of %d bytes: %w", strategy, size, err)
	}
	return url, nil
}

// publishPoster is best effort; a video without a poster is still published.
func (s *Service) publishPoster(ctx context.Context, log *zap.Logger, id string, f *tempstore.StagedFile, media transform.Media) {
	if s.poster == nil {
		return
	}
	data, err := s.poster.Generate(ctx, f.Path(), media)
	if err != nil {
		log.Warn("poster generation failed", zap.Error(err))
		return
	}
	if _, err := s.publisher.UploadSingle(ctx, s3.BytesPayload(data), posterKey(id), true); err != nil {
		log.Warn("poster upload failed", zap.Error(err))
	}
}

func posterKey(id string) string {
	return id + ".webp"
}

// removeObject deletes an object that no record will ever point at.
func (s *Service) removeObject(log *zap.Logger, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.publisher.DeleteFile(ctx, key); err != nil {
		log.Warn("failed to remove unreferenced object", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) fail(err *StageError) error {
	s.metrics.Ingested("failure")
	s.logger.Error("ingest failed",
		zap.String("stage", string(err.Stage)),
		zap.String("video_id", err.ID),
		zap.Error(err.Err))
	return err
}

// Delete removes a video and its objects. Only the author may delete.
func (s *Service) Delete(ctx context.Context, id, requester string) error {
	if !validID(id) {
		return video.ErrNotFound
	}
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.AuthorID != requester {
		return ErrForbidden
	}

	key := rec.Key()
	if key == "" {
		return fmt.Errorf("video %s has no storage key", id)
	}
	if err := s.publisher.DeleteFile(ctx, key); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	if s.poster != nil {
		if err := s.publisher.DeleteFile(ctx, posterKey(id)); err != nil {
			s.logger.Warn("failed to delete poster", zap.String("video_id", id), zap.Error(err))
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	s.logger.Info("video deleted", zap.String("video_id", id), zap.String("key", key))
	return nil
}

// ErrStreamingDisabled is returned by Open when no object reader is configured.
var ErrStreamingDisabled = errors.New("streaming is not configured")

// Open returns the stored object for a video. A view is counted for viewer
// when it is a valid user id.
func (s *Service) Open(ctx context.Context, id, viewer, byteRange string) (*s3.Object, error) {
	if !validID(id) {
		return nil, video.ErrNotFound
	}
	if s.objects == nil {
		return nil, ErrStreamingDisabled
	}
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	obj, err := s.objects.Open(ctx, rec.Key(), byteRange)
	if err != nil {
		return nil, err
	}
	if validID(viewer) {
		if _, err := s.store.RecordView(ctx, id, viewer); err != nil {
			s.logger.Warn("failed to record view", zap.String("video_id", id), zap.Error(err))
		}
	}
	return obj, nil
}

// validID reports whether id can name a stored row. Anything else cannot
// exist, so lookups short-circuit to not found.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
