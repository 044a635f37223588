package upload

import (
	"errors"
	"fmt"
	"io"
)

// Request is one inbound video upload.
type Request struct {
	Owner       string
	Filename    string
	Description string
	Body        io.Reader
	// ResolveDescription, when set, is called once Body has been read and
	// returns the final description, replacing Description.
	ResolveDescription func() (string, error)
}

// Result is returned to the uploader.
type Result struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

// Strategy is how an output file is published.
type Strategy string

const (
	StrategySingle    Strategy = "single"
	StrategyMultipart Strategy = "multipart"
)

// Stage names the step of an ingestion that failed.
type Stage string

const (
	StageIdentify  Stage = "identify"
	StageStage     Stage = "stage"
	StageTransform Stage = "transform"
	StagePublish   Stage = "publish"
	StagePersist   Stage = "persist"
)

var (
	ErrUnsupportedExtension = errors.New("unsupported file extension")
	ErrForbidden            = errors.New("not the author of this video")
)

// ValidationError is a client fault detected before anything is staged.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// StageError wraps any failure after validation with the stage and the
// identifier of the video being ingested.
type StageError struct {
	Stage Stage
	ID    string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingest %s: %s: %v", e.ID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
