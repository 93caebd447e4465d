package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-renditions/internal/converters"
	"github.com/tendant/simple-renditions/internal/img"
	"github.com/tendant/simple-renditions/internal/media"
	"github.com/tendant/simple-renditions/internal/registry"
	"github.com/tendant/simple-renditions/internal/storage"
)

type harness struct {
	pipeline *Pipeline
	backend  *storage.MemoryBackend
	store    *faultyBackend
	uploader *storage.Uploader
	registry *registry.MemoryStore
	sampler  *fakeSampler
	gen      *countingGenerator
	stages   []Stage
	mu       sync.Mutex
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		backend:  storage.NewMemoryBackend(),
		registry: registry.NewMemoryStore(),
		sampler:  &fakeSampler{t: t, frameW: 1920, frameH: 1080, info: converters.FileInfo{Width: 1920, Height: 1080, Duration: 12.4}},
	}
	h.store = &faultyBackend{Backend: h.backend, failPut: make(map[string]error)}
	h.uploader = storage.NewUploader(h.store, "https://cdn.test", nil)
	h.gen = &countingGenerator{inner: img.NewGenerator(img.CodecConfig{MaxConcurrency: 4}, nil)}

	if opts.Profiles == nil {
		opts.Profiles = media.DefaultProfiles("renditions")
	}
	opts.OnStage = func(_ *media.SourceAsset, stage Stage) {
		h.mu.Lock()
		h.stages = append(h.stages, stage)
		h.mu.Unlock()
	}
	h.pipeline = New(h.gen, h.sampler, h.uploader, h.registry, opts, nil)
	return h
}

func (h *harness) createAsset(t *testing.T, kind media.Kind, mimeType string) *media.SourceAsset {
	t.Helper()

	asset := &media.SourceAsset{
		ID:           uuid.New(),
		Kind:         kind,
		Category:     media.CategoryGeneral,
		MimeType:     mimeType,
		OriginBucket: "uploads",
		Status:       media.StatusCompleted,
	}
	asset.OriginKey = asset.ID.String() + ".orig"
	asset.URL = h.uploader.PublicURL(asset.OriginBucket, asset.OriginKey)

	ctx := context.Background()
	require.NoError(t, h.uploader.EnsureBucket(ctx, asset.OriginBucket))
	_, err := h.uploader.Upload(ctx, asset.OriginBucket, asset.OriginKey, []byte("original"), mimeType)
	require.NoError(t, err)
	require.NoError(t, h.registry.CreateAsset(ctx, asset))
	return asset
}

func outcomeFor(t *testing.T, r *Result, profile string) Outcome {
	t.Helper()
	for _, o := range r.Outcomes {
		if o.Profile == profile {
			return o
		}
	}
	t.Fatalf("no outcome for profile %s", profile)
	return Outcome{}
}

func TestProcessLandscapeImage(t *testing.T) {
	h := newHarness(t, Options{RewriteCanonicalURL: true, DeleteOriginal: true})
	asset := h.createAsset(t, media.KindImage, "image/jpeg")
	ctx := context.Background()

	result, err := h.pipeline.Process(ctx, Input{Asset: asset, Data: jpegBytes(t, 4000, 3000)})
	require.NoError(t, err)

	assert.Equal(t, StageComplete, result.Stage)
	assert.Equal(t, []Stage{StageReceived, StageExtractingMetadata, StageGeneratingDerivatives, StageComplete}, h.stages)
	assert.Equal(t, img.Metadata{Width: 4000, Height: 3000, Format: "jpeg"}, result.Metadata)

	want := map[string][2]int{"small": {150, 150}, "medium": {600, 450}, "large": {1200, 900}}
	for profile, dims := range want {
		o := outcomeFor(t, result, profile)
		require.Equal(t, OutcomeSucceeded, o.Status, "profile %s: %v", profile, o.Failure)
		assert.Equal(t, dims[0], o.Derivative.Width, profile)
		assert.Equal(t, dims[1], o.Derivative.Height, profile)

		row, err := h.registry.GetDerivative(ctx, asset.ID, profile)
		require.NoError(t, err)
		assert.Equal(t, "renditions-"+profile, row.Bucket)
		assert.Equal(t, asset.ID.String()+".webp", row.Key)
		assert.Equal(t, "https://cdn.test/renditions-"+profile+"/"+asset.ID.String()+".webp", row.URL)

		data, err := h.uploader.Download(ctx, row.Bucket, row.Key)
		require.NoError(t, err)
		assert.Equal(t, row.Size, int64(len(data)))
		ct, err := h.backend.ContentType(ctx, row.Bucket, row.Key)
		require.NoError(t, err)
		assert.Equal(t, "image/webp", ct)
	}

	large := outcomeFor(t, result, "large").Derivative
	assert.Equal(t, large.URL, result.RepresentativeURL)
	stored, err := h.registry.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, large.URL, stored.URL)

	assert.True(t, result.OriginalDeleted)
	_, err = h.uploader.Download(ctx, asset.OriginBucket, asset.OriginKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessSmallImageSkipsLargeProfile(t *testing.T) {
	profiles := []media.Profile{
		{Name: "small", Mode: media.ModeCrop, Size: 150, Quality: 75, Effort: 4, Bucket: "renditions-small"},
		{Name: "large", Mode: media.ModeFit, Size: 1200, Quality: 85, Effort: 4, Bucket: "renditions-large"},
	}
	h := newHarness(t, Options{Profiles: profiles, RewriteCanonicalURL: true, DeleteOriginal: true})
	asset := h.createAsset(t, media.KindImage, "image/jpeg")
	originalURL := asset.URL
	ctx := context.Background()

	result, err := h.pipeline.Process(ctx, Input{Asset: asset, Data: jpegBytes(t, 300, 300)})
	require.NoError(t, err)

	small := outcomeFor(t, result, "small")
	require.Equal(t, OutcomeSucceeded, small.Status)
	assert.Equal(t, 150, small.Derivative.Width)
	assert.Equal(t, 150, small.Derivative.Height)
	assert.Equal(t, OutcomeSkipped, outcomeFor(t, result, "large").Status)

	rows, err := h.registry.ListDerivatives(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// the representative never existed, so nothing is rewritten or deleted
	assert.Empty(t, result.RepresentativeURL)
	assert.False(t, result.OriginalDeleted)
	stored, err := h.registry.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, originalURL, stored.URL)
	_, err = h.uploader.Download(ctx, asset.OriginBucket, asset.OriginKey)
	assert.NoError(t, err)
}

func TestProcessVideoSamplesFrame(t *testing.T) {
	h := newHarness(t, Options{RewriteCanonicalURL: true})
	asset := h.createAsset(t, media.KindVideo, "video/mp4")
	ctx := context.Background()

	videoPath := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("not really a video"), 0o600))

	result, err := h.pipeline.Process(ctx, Input{Asset: asset, Path: videoPath, OwnsPath: true})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, h.sampler.gotTimestamp, 1e-9)
	assert.Equal(t, 12.4, result.Video.Duration)
	assert.Equal(t, 1920, result.Metadata.Width)

	want := map[string][2]int{"small": {150, 150}, "medium": {600, 338}, "large": {1200, 675}}
	for profile, dims := range want {
		o := outcomeFor(t, result, profile)
		require.Equal(t, OutcomeSucceeded, o.Status, "profile %s: %v", profile, o.Failure)
		assert.Equal(t, dims[0], o.Derivative.Width, profile)
		assert.Equal(t, dims[1], o.Derivative.Height, profile)
	}

	// videos keep their canonical url
	assert.Empty(t, result.RepresentativeURL)

	assert.NoFileExists(t, videoPath)
	assert.NoFileExists(t, h.sampler.framePath)
}

func TestProcessVideoShortClipClampsTimestamp(t *testing.T) {
	h := newHarness(t, Options{})
	h.sampler.info.Duration = 0.5
	asset := h.createAsset(t, media.KindVideo, "video/mp4")

	_, err := h.pipeline.Process(context.Background(), Input{Asset: asset, Data: []byte("video bytes")})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, h.sampler.gotTimestamp, 1e-9)
	assert.NoFileExists(t, h.sampler.videoPath)
}

func TestProcessMalformedImage(t *testing.T) {
	h := newHarness(t, Options{RewriteCanonicalURL: true})
	asset := h.createAsset(t, media.KindImage, "image/jpeg")

	result, err := h.pipeline.Process(context.Background(), Input{Asset: asset, Data: []byte("\xff\xd8 definitely broken")})
	require.NoError(t, err)

	assert.Equal(t, StageComplete, result.Stage)
	assert.True(t, result.Metadata.IsZero())
	require.NotEmpty(t, result.Warnings)
	assert.Equal(t, FailureExtraction, result.Warnings[0].Kind)

	require.Len(t, result.Outcomes, 3)
	for _, o := range result.Outcomes {
		assert.Equal(t, OutcomeFailed, o.Status)
		require.NotNil(t, o.Failure)
		assert.Equal(t, FailureDerivative, o.Failure.Kind)
		assert.ErrorIs(t, o.Failure, img.ErrDecode)
	}
	assert.Equal(t, int32(3), h.gen.calls.Load())
}

func TestProcessIsolatesProfileFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.failPut["renditions-medium"] = errors.New("disk full")
	asset := h.createAsset(t, media.KindImage, "image/jpeg")
	ctx := context.Background()

	result, err := h.pipeline.Process(ctx, Input{Asset: asset, Data: jpegBytes(t, 4000, 3000)})
	require.NoError(t, err)
	assert.Equal(t, StageComplete, result.Stage)

	medium := outcomeFor(t, result, "medium")
	assert.Equal(t, OutcomeFailed, medium.Status)
	assert.Equal(t, FailureUpload, medium.Failure.Kind)
	assert.Equal(t, 2, result.Count(OutcomeSucceeded))

	rows, err := h.registry.ListDerivatives(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	stored, err := h.registry.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StatusCompleted, stored.Status)
}

func TestProcessBucketProvisionFailureIsWarning(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	for _, p := range media.DefaultProfiles("renditions") {
		require.NoError(t, h.backend.EnsureBucket(ctx, p.Bucket))
	}
	asset := h.createAsset(t, media.KindImage, "image/jpeg")
	h.store.mu.Lock()
	h.store.failEnsure = errors.New("access denied")
	h.store.mu.Unlock()

	result, err := h.pipeline.Process(ctx, Input{Asset: asset, Data: jpegBytes(t, 2000, 1000)})
	require.NoError(t, err)

	for _, o := range result.Outcomes {
		assert.Equal(t, OutcomeSucceeded, o.Status, o.Profile)
		require.NotNil(t, o.Warning, o.Profile)
		assert.Equal(t, FailureBucketProvision, o.Warning.Kind)
	}
}

func TestProcessRegistryFailureKeepsOriginal(t *testing.T) {
	h := newHarness(t, Options{RewriteCanonicalURL: true, DeleteOriginal: true})
	ctx := context.Background()

	// an asset the registry does not know about fails every upsert
	asset := h.createAsset(t, media.KindImage, "image/jpeg")
	require.NoError(t, h.registry.DeleteAsset(ctx, asset.ID))

	result, err := h.pipeline.Process(ctx, Input{Asset: asset, Data: jpegBytes(t, 2000, 1500)})
	require.NoError(t, err)
	for _, o := range result.Outcomes {
		assert.Equal(t, FailureRegistry, o.Failure.Kind, o.Profile)
	}
	assert.False(t, result.OriginalDeleted)
	_, err = h.uploader.Download(ctx, asset.OriginBucket, asset.OriginKey)
	assert.NoError(t, err)
}

func TestProcessIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.createAsset(t, media.KindImage, "image/png")
	ctx := context.Background()
	data := pngBytes(t, 1600, 1200)

	first, err := h.pipeline.Process(ctx, Input{Asset: asset, Data: data})
	require.NoError(t, err)
	second, err := h.pipeline.Process(ctx, Input{Asset: asset, Data: data})
	require.NoError(t, err)

	for i := range first.Outcomes {
		a, b := first.Outcomes[i].Derivative, second.Outcomes[i].Derivative
		require.NotNil(t, a)
		require.NotNil(t, b)
		assert.Equal(t, a.ID, b.ID)
		assert.Equal(t, a.Bucket, b.Bucket)
		assert.Equal(t, a.Key, b.Key)
		assert.Equal(t, a.URL, b.URL)
	}

	rows, err := h.registry.ListDerivatives(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestProcessConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, Options{ProfileParallelism: 1})
	asset := h.createAsset(t, media.KindImage, "image/jpeg")
	ctx := context.Background()
	data := jpegBytes(t, 1300, 700)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Process(ctx, Input{Asset: asset, Data: data})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rows, err := h.registry.ListDerivatives(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestProcessAvatarShortCircuits(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.createAsset(t, media.KindImage, "image/jpeg")
	asset.Category = media.CategoryAvatar

	result, err := h.pipeline.Process(context.Background(), Input{Asset: asset, Data: jpegBytes(t, 500, 500)})
	require.NoError(t, err)
	assert.True(t, result.Exempt)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, StageComplete, result.Stage)
	assert.Equal(t, int32(0), h.gen.calls.Load())
}

func TestProcessFatalFailures(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.pipeline.Process(ctx, Input{})
	assert.True(t, IsFatal(err))

	still := h.createAsset(t, media.KindImage, "image/jpeg")
	_, err = h.pipeline.Process(ctx, Input{Asset: still})
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = h.pipeline.Process(ctx, Input{Asset: still, Path: filepath.Join(t.TempDir(), "gone.jpg")})
	assert.True(t, IsFatal(err))

	video := h.createAsset(t, media.KindVideo, "video/mp4")
	h.sampler.err = errors.New("ffmpeg exploded")
	videoPath := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("x"), 0o600))

	_, err = h.pipeline.Process(ctx, Input{Asset: video, Path: videoPath, OwnsPath: true})
	assert.True(t, IsFatal(err))
	assert.NoFileExists(t, videoPath, "owned input must be removed on fatal exit")
	assert.Equal(t, int32(0), h.gen.calls.Load())
}

func TestProcessRemovesOwnedImagePath(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.createAsset(t, media.KindImage, "image/jpeg")

	path := filepath.Join(t.TempDir(), "upload.jpg")
	require.NoError(t, os.WriteFile(path, jpegBytes(t, 800, 600), 0o600))

	result, err := h.pipeline.Process(context.Background(), Input{Asset: asset, Path: path, OwnsPath: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count(OutcomeSucceeded))
	assert.Equal(t, 1, result.Count(OutcomeSkipped))
	assert.NoFileExists(t, path)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "permanent", string(Classify(&Failure{Kind: FailureDerivative, Err: img.ErrDecode})))
	assert.Equal(t, "validation", string(Classify(&Failure{Kind: FailureFatal, Err: ErrNoSource})))
	assert.Equal(t, "retryable", string(Classify(context.DeadlineExceeded)))
	assert.Equal(t, "retryable", string(Classify(errors.New("dial tcp: connection refused"))))
	assert.Empty(t, Classify(nil))
}

type countingGenerator struct {
	inner Generator
	calls atomic.Int32
}

func (c *countingGenerator) Generate(ctx context.Context, src img.Source, p media.Profile, animated bool) (*img.Output, error) {
	c.calls.Add(1)
	return c.inner.Generate(ctx, src, p, animated)
}

type fakeSampler struct {
	t              *testing.T
	frameW, frameH int
	info           converters.FileInfo
	err            error

	gotTimestamp float64
	videoPath    string
	framePath    string
}

func (f *fakeSampler) Probe(ctx context.Context, path string) converters.FileInfo {
	f.videoPath = path
	return f.info
}

func (f *fakeSampler) ExtractFrame(ctx context.Context, videoPath string, timestamp float64) (string, error) {
	f.gotTimestamp = timestamp
	if f.err != nil {
		return "", f.err
	}
	frame, err := os.CreateTemp(f.t.TempDir(), "frame-*.png")
	if err != nil {
		return "", err
	}
	defer frame.Close()
	if err := png.Encode(frame, fill(f.frameW, f.frameH)); err != nil {
		return "", err
	}
	f.framePath = frame.Name()
	return frame.Name(), nil
}

// faultyBackend injects storage errors per bucket.
type faultyBackend struct {
	storage.Backend
	mu         sync.Mutex
	failPut    map[string]error
	failEnsure error
}

func (f *faultyBackend) EnsureBucket(ctx context.Context, bucket string) error {
	f.mu.Lock()
	err := f.failEnsure
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Backend.EnsureBucket(ctx, bucket)
}

func (f *faultyBackend) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	f.mu.Lock()
	err := f.failPut[bucket]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Backend.Put(ctx, bucket, key, body, size, contentType)
}

func fill(w, h int) *image.RGBA {
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			m.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	return m
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, fill(w, h), &jpeg.Options{Quality: 85}))
	return buf.Bytes()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, fill(w, h)))
	return buf.Bytes()
}

func TestProcessProfileSubset(t *testing.T) {
	h := newHarness(t, Options{RewriteCanonicalURL: true})
	asset := h.createAsset(t, media.KindImage, "image/jpeg")
	ctx := context.Background()

	var stages []Stage
	result, err := h.pipeline.Process(ctx, Input{
		Asset:    asset,
		Data:     jpegBytes(t, 2000, 1000),
		Profiles: []string{"medium"},
		OnStage:  func(s Stage) { stages = append(stages, s) },
	})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, "medium", result.Outcomes[0].Profile)
	assert.Equal(t, StageComplete, stages[len(stages)-1])

	// large is the representative and did not run
	assert.Empty(t, result.RepresentativeURL)

	_, err = h.pipeline.Process(ctx, Input{Asset: asset, Data: jpegBytes(t, 10, 10), Profiles: []string{"poster"}})
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

type panickyGenerator struct {
	Generator
	profile string
}

func (g *panickyGenerator) Generate(ctx context.Context, src img.Source, p media.Profile, animated bool) (*img.Output, error) {
	if p.Name == g.profile {
		panic("decoder blew up")
	}
	return g.Generator.Generate(ctx, src, p, animated)
}

func TestProcessIsolatesGeneratorPanic(t *testing.T) {
	h := newHarness(t, Options{RewriteCanonicalURL: true})
	h.pipeline.gen = &panickyGenerator{Generator: h.gen, profile: "medium"}
	asset := h.createAsset(t, media.KindImage, "image/jpeg")
	ctx := context.Background()

	var result *Result
	var err error
	require.NotPanics(t, func() {
		result, err = h.pipeline.Process(ctx, Input{Asset: asset, Data: jpegBytes(t, 2000, 1500)})
	})
	require.NoError(t, err)
	assert.Equal(t, StageComplete, result.Stage)

	medium := outcomeFor(t, result, "medium")
	assert.Equal(t, OutcomeFailed, medium.Status)
	require.NotNil(t, medium.Failure)
	assert.Equal(t, FailureDerivative, medium.Failure.Kind)
	assert.ErrorIs(t, medium.Failure, ErrPanic)
	assert.ErrorContains(t, medium.Failure, "decoder blew up")
	assert.Equal(t, "permanent", string(Classify(medium.Failure)))

	assert.Equal(t, 2, result.Count(OutcomeSucceeded))
	assert.Equal(t, outcomeFor(t, result, "large").Derivative.URL, result.RepresentativeURL)
}

func TestProcessProfileNamesIgnoreCase(t *testing.T) {
	h := newHarness(t, Options{})
	asset := h.createAsset(t, media.KindImage, "image/jpeg")

	result, err := h.pipeline.Process(context.Background(), Input{
		Asset:    asset,
		Data:     jpegBytes(t, 1000, 800),
		Profiles: []string{"MEDIUM", " Small "},
	})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, "small", result.Outcomes[0].Profile)
	assert.Equal(t, "medium", result.Outcomes[1].Profile)
}
