package upload

import (
	"context"

	"reelflow/internal/s3"
	"reelflow/internal/tempstore"
	"reelflow/internal/transform"
	"reelflow/internal/video"
	"reelflow/internal/worker"
)

// Stager hands out cleanup scopes for staged files.
type Stager interface {
	NewScope() *tempstore.Scope
}

// Runner executes transforms off the request path.
type Runner interface {
	Submit(job worker.Job) (*worker.Handle, error)
}

// Publisher writes objects to storage.
type Publisher interface {
	UploadSingle(ctx context.Context, payload s3.Payload, key string, public bool) (string, error)
	UploadMultipart(ctx context.Context, path, key string, public bool) (string, error)
	DeleteFile(ctx context.Context, key string) error
}

// ObjectOpener reads published objects back.
type ObjectOpener interface {
	Open(ctx context.Context, key, byteRange string) (*s3.Object, error)
}

// MetadataStore persists video records.
type MetadataStore interface {
	Create(ctx context.Context, rec *video.Record) error
	GetByID(ctx context.Context, id string) (*video.Record, error)
	Delete(ctx context.Context, id string) error
	RecordView(ctx context.Context, id, viewerID string) (bool, error)
}

// PosterGenerator renders a still image for a published video.
type PosterGenerator interface {
	Generate(ctx context.Context, path string, media transform.Media) ([]byte, error)
}
