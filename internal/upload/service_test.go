package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reelflow/internal/s3"
	"reelflow/internal/tempstore"
	"reelflow/internal/transform"
	"reelflow/internal/video"
	"reelflow/internal/worker"
)

const mib = 1 << 20

const (
	ownerID   = "0190a8e2-3c4d-7e5f-8a6b-1c2d3e4f5a6b"
	otherID   = "0190a8e2-3c4d-7e5f-8a6b-9f8e7d6c5b4a"
	videoID   = "0190a8e3-1111-7222-8333-444455556666"
	missingID = "0190a8e3-1111-7222-8333-000000000000"
)

// MockPublisher implements Publisher for testing
type MockPublisher struct {
	mu sync.Mutex

	uploadSingleFunc    func(ctx context.Context, payload s3.Payload, key string, public bool) (string, error)
	uploadMultipartFunc func(ctx context.Context, path, key string, public bool) (string, error)
	deleteFileFunc      func(ctx context.Context, key string) error

	singleKeys    []string
	multipartKeys []string
	deletedKeys   []string
}

func (m *MockPublisher) UploadSingle(ctx context.Context, payload s3.Payload, key string, public bool) (string, error) {
	m.mu.Lock()
	m.singleKeys = append(m.singleKeys, key)
	m.mu.Unlock()
	if m.uploadSingleFunc != nil {
		return m.uploadSingleFunc(ctx, payload, key, public)
	}
	return "https://videos.store.test/" + key, nil
}

func (m *MockPublisher) UploadMultipart(ctx context.Context, path, key string, public bool) (string, error) {
	m.mu.Lock()
	m.multipartKeys = append(m.multipartKeys, key)
	m.mu.Unlock()
	if m.uploadMultipartFunc != nil {
		return m.uploadMultipartFunc(ctx, path, key, public)
	}
	return "https://videos.store.test/" + key, nil
}

func (m *MockPublisher) DeleteFile(ctx context.Context, key string) error {
	m.mu.Lock()
	m.deletedKeys = append(m.deletedKeys, key)
	m.mu.Unlock()
	if m.deleteFileFunc != nil {
		return m.deleteFileFunc(ctx, key)
	}
	return nil
}

// MockStore implements MetadataStore for testing
type MockStore struct {
	mu        sync.Mutex
	records   map[string]*video.Record
	views     map[string]int
	createErr error
	lookups   int
}

func newMockStore() *MockStore {
	return &MockStore{records: map[string]*video.Record{}, views: map[string]int{}}
}

func (m *MockStore) Create(_ context.Context, rec *video.Record) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *MockStore) GetByID(_ context.Context, id string) (*video.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	rec, ok := m.records[id]
	if !ok {
		return nil, video.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MockStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return video.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *MockStore) RecordView(_ context.Context, id, viewerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[id+"/"+viewerID]++
	return m.views[id+"/"+viewerID] == 1, nil
}

func (m *MockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fakeProber struct{ media transform.Media }

func (f fakeProber) Probe(context.Context, string) (transform.Media, error) { return f.media, nil }

// sizedEncoder writes an output of a fixed size and records the jobs it saw.
type sizedEncoder struct {
	mu   sync.Mutex
	size int64
	jobs []transform.EncodeJob
}

func (e *sizedEncoder) Encode(_ context.Context, job transform.EncodeJob) error {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()
	f, err := os.Create(job.Output)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(e.size)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func body(size int64) io.Reader {
	return io.LimitReader(zeroReader{}, size)
}

type fixture struct {
	dir       string
	manager   *tempstore.Manager
	runner    *worker.Runner
	publisher *MockPublisher
	store     *MockStore
	service   *Service
}

func newFixture(t *testing.T, run worker.Func, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	manager, err := tempstore.NewManager(dir, zap.NewNop())
	require.NoError(t, err)

	runner := worker.New(run, worker.Options{
		Concurrency: 2,
		Discard:     func(path string) { manager.Release(tempstore.Open(path)) },
	})
	runner.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Stop(ctx)
	})

	f := &fixture{
		dir:       dir,
		manager:   manager,
		runner:    runner,
		publisher: &MockPublisher{},
		store:     newMockStore(),
	}
	if opts.BackendURL == "" {
		opts.BackendURL = "https://api.reelflow.test/api/v1"
	}
	f.service = NewService(Deps{
		Stager:    manager,
		Runner:    runner,
		Publisher: f.publisher,
		Store:     f.store,
	}, opts)
	return f
}

func pipelineFunc(dir string, media transform.Media, enc transform.Encoder) worker.Func {
	p := transform.NewPipeline(transform.PipelineOptions{
		Prober:  fakeProber{media: media},
		Encoder: enc,
		Profile: transform.DefaultProfile(),
		Dir:     dir,
	})
	return p.Run
}

func (f *fixture) leftovers(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want Strategy
	}{
		{"empty", 0, StrategySingle},
		{"small", 2 * mib, StrategySingle},
		{"exactly 5 MiB", 5 * mib, StrategySingle},
		{"5 MiB plus one byte", 5*mib + 1, StrategyMultipart},
		{"large", 60 * mib, StrategyMultipart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectStrategy(tt.size, DefaultSingleShotMax))
		})
	}
}

func TestService_ValidateExtension(t *testing.T) {
	svc := NewService(Deps{}, Options{})

	for _, ext := range DefaultAllowedExtensions {
		for _, name := range []string{"clip" + ext, "CLIP" + strings.ToUpper(ext)} {
			got, err := svc.ValidateExtension(name)
			require.NoError(t, err, name)
			assert.Equal(t, ext, got)
		}
	}

	for _, name := range []string{"clip.txt", "clip", "", "clip.mp4.exe", "song.mp3", ".mp4/evil.sh", "clip."} {
		_, err := svc.ValidateExtension(name)
		assert.ErrorIs(t, err, ErrUnsupportedExtension, name)
	}
}

func TestService_AllowedExtensions(t *testing.T) {
	svc := NewService(Deps{}, Options{AllowedExtensions: []string{".MP4", ".webm", ".mp4"}})
	assert.Equal(t, []string{".mp4", ".webm"}, svc.AllowedExtensions())

	_, err := svc.ValidateExtension("clip.mkv")
	assert.ErrorIs(t, err, ErrUnsupportedExtension)

	assert.Equal(t, DefaultAllowedExtensions, NewService(Deps{}, Options{}).AllowedExtensions())
}

func TestService_Ingest_RejectsBeforeStaging(t *testing.T) {
	var submitted bool
	f := newFixture(t, func(context.Context, *tempstore.StagedFile) (transform.Result, error) {
		submitted = true
		return transform.Result{}, nil
	}, Options{})

	for _, name := range []string{"notes.txt", "image.png", "archive.tar.gz", "noext"} {
		_, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: name, Body: body(mib)})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, name)
		assert.ErrorIs(t, err, ErrUnsupportedExtension)
	}

	for _, owner := range []string{"", "  ", "u1", "user-42", ownerID + "x"} {
		_, err := f.service.Ingest(context.Background(), Request{Owner: owner, Filename: "clip.mp4", Body: body(mib)})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, owner)
		assert.Equal(t, "owner", verr.Field)
	}

	assert.Empty(t, f.leftovers(t), "no temp file may be created for rejected uploads")
	assert.False(t, submitted)
	assert.Empty(t, f.publisher.singleKeys)
	assert.Zero(t, f.store.count())
}

func TestService_Ingest_ScenarioA_PassThrough(t *testing.T) {
	var f *fixture
	enc := &sizedEncoder{}
	f = newFixture(t, func(ctx context.Context, in *tempstore.StagedFile) (transform.Result, error) {
		return pipelineFunc(f.dir, transform.Media{Width: 1080, Height: 1920}, enc)(ctx, in)
	}, Options{})

	res, err := f.service.Ingest(context.Background(), Request{
		Owner:       ownerID,
		Filename:    "portrait.mp4",
		Description: "morning run",
		Body:        body(2 * mib),
	})
	require.NoError(t, err)

	_, err = uuid.Parse(res.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://api.reelflow.test/api/v1/stream-video/"+res.ID, res.URL)

	assert.Empty(t, enc.jobs, "pass-through never encodes")
	assert.Equal(t, []string{res.ID + ".mp4"}, f.publisher.singleKeys)
	assert.Empty(t, f.publisher.multipartKeys)

	rec, err := f.store.GetByID(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, ownerID, rec.AuthorID)
	assert.Equal(t, "morning run", rec.Description)
	assert.Equal(t, "https://videos.store.test/"+res.ID+".mp4", rec.URL)

	assert.Empty(t, f.leftovers(t))
}

func TestService_Ingest_ScenarioB_Recompress(t *testing.T) {
	var f *fixture
	enc := &sizedEncoder{size: 6 * mib}
	f = newFixture(t, func(ctx context.Context, in *tempstore.StagedFile) (transform.Result, error) {
		return pipelineFunc(f.dir, transform.Media{Width: 720, Height: 1280, Duration: time.Minute}, enc)(ctx, in)
	}, Options{})

	res, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "long.MOV", Body: body(60 * mib)})
	require.NoError(t, err)

	require.Len(t, enc.jobs, 1)
	assert.Equal(t, transform.Recompress, enc.jobs[0].Decision)
	assert.Equal(t, []string{res.ID + ".mp4"}, f.publisher.multipartKeys, "6 MiB output goes multipart")
	assert.Equal(t, 1, f.store.count())
	assert.Empty(t, f.leftovers(t), "both original and recompressed files are released")
}

func TestService_Ingest_ScenarioC_Reframe(t *testing.T) {
	var f *fixture
	enc := &sizedEncoder{size: mib}
	f = newFixture(t, func(ctx context.Context, in *tempstore.StagedFile) (transform.Result, error) {
		return pipelineFunc(f.dir, transform.Media{Width: 1920, Height: 1080, HasAudio: true}, enc)(ctx, in)
	}, Options{})

	res, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "wide.webm", Body: body(512 << 10)})
	require.NoError(t, err)

	require.Len(t, enc.jobs, 1)
	assert.Equal(t, transform.ReframeWithBlur, enc.jobs[0].Decision)
	assert.Equal(t, []string{res.ID + ".mp4"}, f.publisher.singleKeys)
	assert.Empty(t, f.leftovers(t))
}

func TestService_Ingest_ScenarioD_Timeout(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	var f *fixture
	f = newFixture(t, func(_ context.Context, in *tempstore.StagedFile) (transform.Result, error) {
		defer close(finished)
		<-release
		out := filepath.Join(f.dir, "reelflow-late.mp4")
		if err := os.WriteFile(out, []byte("late"), 0o600); err != nil {
			return transform.Result{}, err
		}
		return transform.Result{Path: out, Decision: transform.Recompress}, nil
	}, Options{WaitTimeout: 50 * time.Millisecond})

	_, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "slow.mp4", Body: body(mib)})
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageTransform, serr.Stage)
	assert.ErrorIs(t, err, worker.ErrTimeout)

	assert.Zero(t, f.store.count(), "no record after a timeout")
	assert.Empty(t, f.publisher.singleKeys)
	assert.Empty(t, f.leftovers(t), "input is released even though the job is still running")

	close(release)
	<-finished
	assert.Eventually(t, func() bool { return len(f.leftovers(t)) == 0 },
		2*time.Second, 10*time.Millisecond, "late output must be discarded")
}

func TestService_Ingest_ScenarioE_PublishProtocolError(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(ctx context.Context, in *tempstore.StagedFile) (transform.Result, error) {
		return pipelineFunc(f.dir, transform.Media{Width: 1080, Height: 1920}, &sizedEncoder{})(ctx, in)
	}, Options{})
	f.publisher.uploadMultipartFunc = func(context.Context, string, string, bool) (string, error) {
		return "", &s3.ProtocolError{Op: "CompleteMultipartUpload", StatusCode: 500, Body: "<Error><Code>InternalError</Code></Error>"}
	}

	_, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "clip.mp4", Body: body(6 * mib)})
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StagePublish, serr.Stage)
	var perr *s3.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 500, perr.StatusCode)

	assert.Zero(t, f.store.count())
	assert.Empty(t, f.leftovers(t))
}

func TestService_Ingest_TransformFailure(t *testing.T) {
	f := newFixture(t, func(_ context.Context, in *tempstore.StagedFile) (transform.Result, error) {
		return transform.Result{}, &transform.TransformError{Stage: transform.StageClassify, Path: in.Path(), Err: transform.ErrNoVideoStreams}
	}, Options{})

	_, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "broken.mkv", Body: body(mib)})
	var terr *transform.TransformError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transform.StageClassify, terr.Stage)
	assert.Empty(t, f.leftovers(t))
	assert.Zero(t, f.store.count())
}

func TestService_Ingest_StagingFailure(t *testing.T) {
	f := newFixture(t, func(context.Context, *tempstore.StagedFile) (transform.Result, error) {
		t.Error("job must not be submitted")
		return transform.Result{}, nil
	}, Options{})

	truncated := io.MultiReader(body(mib), iotestErrReader{errors.New("client went away")})
	_, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "clip.mp4", Body: truncated})

	var ioErr *tempstore.IOError
	require.ErrorAs(t, err, &ioErr)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageStage, serr.Stage)
	assert.Empty(t, f.leftovers(t), "the partial file is released too")
}

func TestService_Ingest_ResolveDescription(t *testing.T) {
	tests := []struct {
		name        string
		description string
		resolve     func() (string, error)
		wantDesc    string
		wantStage   Stage
		wantInvalid bool
	}{
		{
			name:     "Resolved after the body",
			resolve:  func() (string, error) { return "late", nil },
			wantDesc: "late",
		},
		{
			name:        "Resolver replaces Description",
			description: "ignored",
			resolve:     func() (string, error) { return "early", nil },
			wantDesc:    "early",
		},
		{
			name:        "No resolver",
			description: "plain",
			wantDesc:    "plain",
		},
		{
			name: "Invalid trailing field",
			resolve: func() (string, error) {
				return "", &ValidationError{Field: "description", Message: "is too long"}
			},
			wantInvalid: true,
		},
		{
			name:      "Broken trailing body",
			resolve:   func() (string, error) { return "", errors.New("unexpected EOF") },
			wantStage: StageStage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var submitted bool
			f := newFixture(t, func(_ context.Context, in *tempstore.StagedFile) (transform.Result, error) {
				submitted = true
				return transform.Result{Path: in.Path(), Decision: transform.PassThrough}, nil
			}, Options{})

			res, err := f.service.Ingest(context.Background(), Request{
				Owner:              ownerID,
				Filename:           "clip.mp4",
				Description:        tt.description,
				Body:               body(mib),
				ResolveDescription: tt.resolve,
			})

			switch {
			case tt.wantInvalid:
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
			case tt.wantStage != "":
				var serr *StageError
				require.ErrorAs(t, err, &serr)
				assert.Equal(t, tt.wantStage, serr.Stage)
			default:
				require.NoError(t, err)
				rec, err := f.store.GetByID(context.Background(), res.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.wantDesc, rec.Description)
				assert.Empty(t, f.leftovers(t))
				return
			}

			assert.False(t, submitted)
			assert.Empty(t, f.publisher.singleKeys)
			assert.Zero(t, f.store.count())
			assert.Empty(t, f.leftovers(t))
		})
	}
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

func TestService_Ingest_PersistFailureRemovesObject(t *testing.T) {
	f := newFixture(t, func(_ context.Context, in *tempstore.StagedFile) (transform.Result, error) {
		return transform.Result{Path: in.Path(), Decision: transform.PassThrough}, nil
	}, Options{})
	f.store.createErr = errors.New("connection reset")

	_, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "clip.m4v", Body: body(mib)})
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StagePersist, serr.Stage)

	require.Len(t, f.publisher.singleKeys, 1)
	assert.Equal(t, f.publisher.singleKeys, f.publisher.deletedKeys)
	assert.Empty(t, f.leftovers(t))
}

type stubPoster struct {
	data []byte
	err  error
}

func (p stubPoster) Generate(context.Context, string, transform.Media) ([]byte, error) {
	return p.data, p.err
}

func TestService_Ingest_PersistFailureRemovesPoster(t *testing.T) {
	f := newFixture(t, func(_ context.Context, in *tempstore.StagedFile) (transform.Result, error) {
		return transform.Result{Path: in.Path(), Decision: transform.PassThrough}, nil
	}, Options{})
	f.service.poster = stubPoster{data: []byte("RIFF....WEBP")}
	f.store.createErr = errors.New("connection reset")

	_, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "clip.mp4", Body: body(mib)})
	require.Error(t, err)
	require.Len(t, f.publisher.singleKeys, 2)
	assert.Equal(t, f.publisher.singleKeys, f.publisher.deletedKeys)
}

func TestService_Ingest_Poster(t *testing.T) {
	f := newFixture(t, func(_ context.Context, in *tempstore.StagedFile) (transform.Result, error) {
		return transform.Result{Path: in.Path(), Decision: transform.PassThrough}, nil
	}, Options{})
	f.service.poster = stubPoster{data: []byte("RIFF....WEBP")}

	res, err := f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "clip.mp4", Body: body(mib)})
	require.NoError(t, err)
	assert.Equal(t, []string{res.ID + ".mp4", res.ID + ".webp"}, f.publisher.singleKeys)

	f.service.poster = stubPoster{err: errors.New("no frame")}
	_, err = f.service.Ingest(context.Background(), Request{Owner: ownerID, Filename: "clip.mp4", Body: body(mib)})
	assert.NoError(t, err, "poster failures are not fatal")
}

func TestService_Delete(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &video.Record{
		ID: videoID, AuthorID: ownerID, URL: "https://videos.store.test/" + videoID + ".mp4",
	}))

	assert.ErrorIs(t, f.service.Delete(ctx, videoID, otherID), ErrForbidden)
	assert.ErrorIs(t, f.service.Delete(ctx, missingID, ownerID), video.ErrNotFound)
	assert.Empty(t, f.publisher.deletedKeys)

	require.NoError(t, f.service.Delete(ctx, videoID, ownerID))
	assert.Equal(t, []string{videoID + ".mp4"}, f.publisher.deletedKeys)
	assert.Zero(t, f.store.count())
}

func TestService_Delete_StorageFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &video.Record{ID: videoID, AuthorID: ownerID, URL: "https://b.test/" + videoID + ".mp4"}))
	f.publisher.deleteFileFunc = func(context.Context, string) error {
		return &s3.TransportError{Op: "DeleteFile", Key: videoID + ".mp4", Err: errors.New("dial tcp: refused")}
	}

	err := f.service.Delete(ctx, videoID, ownerID)
	var terr *s3.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, f.store.count())
}

type stubOpener struct {
	key, byteRange string
	err            error
}

func (o *stubOpener) Open(_ context.Context, key, byteRange string) (*s3.Object, error) {
	o.key, o.byteRange = key, byteRange
	if o.err != nil {
		return nil, o.err
	}
	return &s3.Object{Body: io.NopCloser(bytes.NewReader([]byte("abc"))), ContentType: "video/mp4", ContentLength: 3}, nil
}

func TestService_Open(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &video.Record{ID: videoID, AuthorID: ownerID, URL: "https://b.test/" + videoID + ".webm"}))

	_, err := f.service.Open(ctx, videoID, otherID, "")
	assert.ErrorIs(t, err, ErrStreamingDisabled)

	opener := &stubOpener{}
	f.service.objects = opener

	obj, err := f.service.Open(ctx, videoID, otherID, "bytes=0-1")
	require.NoError(t, err)
	defer obj.Body.Close()
	assert.Equal(t, videoID+".webm", opener.key)
	assert.Equal(t, "bytes=0-1", opener.byteRange)
	assert.Equal(t, 1, f.store.views[videoID+"/"+otherID])

	_, err = f.service.Open(ctx, missingID, otherID, "")
	assert.ErrorIs(t, err, video.ErrNotFound)
}

func TestService_MalformedIDIsNotFound(t *testing.T) {
	f := newFixture(t, nil, Options{})
	opener := &stubOpener{}
	f.service.objects = opener
	ctx := context.Background()

	for _, id := range []string{"", "v1", "not-a-uuid", "../" + videoID, videoID + ".mp4"} {
		assert.ErrorIs(t, f.service.Delete(ctx, id, ownerID), video.ErrNotFound, id)
		_, err := f.service.Open(ctx, id, ownerID, "")
		assert.ErrorIs(t, err, video.ErrNotFound, id)
	}

	assert.Zero(t, f.store.lookups, "malformed ids never reach the store")
	assert.Empty(t, opener.key)
	assert.Empty(t, f.publisher.deletedKeys)
}

func TestService_Open_ViewsNeedValidViewer(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.service.objects = &stubOpener{}
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &video.Record{ID: videoID, AuthorID: ownerID, URL: "https://b.test/" + videoID + ".mp4"}))

	for _, viewer := range []string{"", "api-client"} {
		obj, err := f.service.Open(ctx, videoID, viewer, "")
		require.NoError(t, err)
		obj.Body.Close()
	}
	assert.Empty(t, f.store.views)
}
