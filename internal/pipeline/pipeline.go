// Package pipeline turns one source asset into its set of derivative
// renditions: sample a frame for videos, generate every profile, upload,
// record and clean up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-renditions/internal/converters"
	"github.com/tendant/simple-renditions/internal/img"
	"github.com/tendant/simple-renditions/internal/media"
	"github.com/tendant/simple-renditions/internal/metrics"
)

var (
	// ErrNoSource means the caller supplied neither bytes nor a readable path.
	ErrNoSource = errors.New("no source data")
	// ErrUnknownProfile is returned for a requested profile that is not configured.
	ErrUnknownProfile = errors.New("unknown profile")
	// ErrPanic wraps a panic recovered while producing one derivative.
	ErrPanic = errors.New("derivative panicked")
)

type Generator interface {
	Generate(ctx context.Context, src img.Source, p media.Profile, animated bool) (*img.Output, error)
}

type FrameSampler interface {
	ExtractFrame(ctx context.Context, videoPath string, timestamp float64) (string, error)
	Probe(ctx context.Context, path string) converters.FileInfo
}

type ObjectStore interface {
	EnsureBucket(ctx context.Context, name string) error
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, bucket string, keys []string) error
}

type Registry interface {
	UpsertDerivative(ctx context.Context, d *media.Derivative) error
	UpdateAssetURL(ctx context.Context, id uuid.UUID, url string) error
}

type Stage string

const (
	StageReceived              Stage = "RECEIVED"
	StageExtractingMetadata    Stage = "EXTRACTING_METADATA"
	StageGeneratingDerivatives Stage = "GENERATING_DERIVATIVES"
	StageComplete              Stage = "COMPLETE"
)

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "SUCCEEDED"
	OutcomeFailed    OutcomeStatus = "FAILED"
	// OutcomeSkipped marks a fit profile larger than the source.
	OutcomeSkipped OutcomeStatus = "SKIPPED"
)

type Options struct {
	Profiles []media.Profile
	// FrameTimestamp is the video position sampled for the still, in seconds.
	FrameTimestamp float64
	// ProfileParallelism bounds concurrent profiles per asset. Zero runs all
	// profiles at once.
	ProfileParallelism int
	// RewriteCanonicalURL points image assets at their representative
	// derivative once it exists.
	RewriteCanonicalURL bool
	// DeleteOriginal removes the origin object after a successful rewrite.
	DeleteOriginal bool
	// OnStage is called on every stage transition.
	OnStage func(asset *media.SourceAsset, stage Stage)
}

// Input is a persisted asset plus its bytes (images) or a file path (videos).
type Input struct {
	Asset *media.SourceAsset
	Data  []byte
	Path  string
	// OwnsPath hands Path to the pipeline, which removes it when done.
	OwnsPath bool
	// Profiles narrows this run to a subset of the configured profiles.
	// Empty means all of them.
	Profiles []string
	// OnStage is called on every stage transition of this run, after
	// Options.OnStage.
	OnStage func(stage Stage)
}

type Outcome struct {
	Profile    string
	Status     OutcomeStatus
	Derivative *media.Derivative
	Failure    *Failure
	// Warning is a non-fatal problem on an otherwise usable path, such as a
	// bucket that could not be provisioned.
	Warning  *Failure
	Duration time.Duration
}

type Result struct {
	AssetID  uuid.UUID
	Stage    Stage
	Metadata img.Metadata
	// Video is the probe result for video sources.
	Video             converters.FileInfo
	Outcomes          []Outcome
	Warnings          []*Failure
	RepresentativeURL string
	OriginalDeleted   bool
	// Exempt is set for avatars, which get no derivatives.
	Exempt bool
}

func (r *Result) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

type Pipeline struct {
	gen      Generator
	sampler  FrameSampler
	store    ObjectStore
	registry Registry
	opts     Options
	logger   *slog.Logger
	locks    *keyedMutex
}

func New(gen Generator, sampler FrameSampler, store ObjectStore, registry Registry, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FrameTimestamp <= 0 {
		opts.FrameTimestamp = 1
	}
	return &Pipeline{
		gen:      gen,
		sampler:  sampler,
		store:    store,
		registry: registry,
		opts:     opts,
		logger:   logger,
		locks:    newKeyedMutex(),
	}
}

// StorageKey is the object key of every derivative of an asset. The profile
// lives in the bucket name.
func StorageKey(assetID uuid.UUID) string {
	return assetID.String() + "." + img.OutputExtension
}

// Process runs the asset through every configured profile. Per-profile
// failures are reported in the Result; the returned error is always a fatal
// *Failure and means no derivative could be attempted.
func (p *Pipeline) Process(ctx context.Context, in Input) (*Result, error) {
	if in.Asset == nil {
		return nil, fatal("nil asset")
	}
	asset := in.Asset
	start := time.Now()
	logger := p.logger.With("asset_id", asset.ID.String(), "kind", string(asset.Kind))

	result := &Result{AssetID: asset.ID}
	var temps []string
	if in.OwnsPath && in.Path != "" {
		temps = append(temps, in.Path)
	}
	defer func() {
		for _, w := range removeTemps(temps) {
			logger.Warn("cleanup failed", "err", w.Err)
			result.Warnings = append(result.Warnings, w)
		}
	}()

	advance := func(stage Stage) {
		p.advance(result, asset, stage)
		if in.OnStage != nil {
			in.OnStage(stage)
		}
	}

	advance(StageReceived)

	if asset.IsAvatar() {
		logger.Info("avatar asset, skipping derivatives")
		result.Exempt = true
		advance(StageComplete)
		return result, nil
	}

	profiles, err := p.selectProfiles(in.Profiles)
	if err != nil {
		logger.Error("invalid profile selection", "err", err)
		return nil, err
	}

	advance(StageExtractingMetadata)
	data, err := p.loadSource(ctx, in, result, &temps, logger)
	if err != nil {
		logger.Error("source unavailable", "err", err)
		return nil, err
	}

	result.Metadata = img.ExtractMetadata(data)
	if result.Metadata.IsZero() {
		w := &Failure{Kind: FailureExtraction, Err: errors.New("source metadata unreadable")}
		result.Warnings = append(result.Warnings, w)
		logger.Warn("metadata extraction failed, attempting derivatives anyway", "bytes", len(data))
	} else {
		logger.Info("source metadata", "width", result.Metadata.Width, "height", result.Metadata.Height, "format", result.Metadata.Format)
	}

	mimeType := asset.MimeType
	if asset.IsVideo() {
		mimeType = "image/png"
	} else if mimeType == "" {
		mimeType = img.DetectMimeType(data)
	}
	src := img.Source{Data: data, MimeType: mimeType}
	animated := !asset.IsVideo() && img.IsAnimatable(mimeType)

	advance(StageGeneratingDerivatives)
	result.Outcomes = make([]Outcome, len(profiles))

	var g errgroup.Group
	if p.opts.ProfileParallelism > 0 {
		g.SetLimit(p.opts.ProfileParallelism)
	}
	for i, profile := range profiles {
		g.Go(func() error {
			result.Outcomes[i] = p.runProfile(ctx, asset, src, animated, profile, logger.With("profile", profile.Name))
			return nil
		})
	}
	_ = g.Wait()

	if !asset.IsVideo() && p.opts.RewriteCanonicalURL {
		p.promoteRepresentative(ctx, asset, result, logger)
	}

	advance(StageComplete)
	metrics.PipelineDuration.WithLabelValues(string(asset.Kind)).Observe(time.Since(start).Seconds())
	logger.Info("asset complete",
		"succeeded", result.Count(OutcomeSucceeded),
		"failed", result.Count(OutcomeFailed),
		"skipped", result.Count(OutcomeSkipped),
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// selectProfiles resolves names against the configured profiles, keeping the
// configured order.
func (p *Pipeline) selectProfiles(names []string) ([]media.Profile, error) {
	if len(names) == 0 {
		return p.opts.Profiles, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if _, ok := media.Find(p.opts.Profiles, n); !ok {
			return nil, &Failure{Kind: FailureFatal, Err: fmt.Errorf("%w: %s", ErrUnknownProfile, n)}
		}
		wanted[n] = true
	}
	var out []media.Profile
	for _, prof := range p.opts.Profiles {
		if wanted[prof.Name] {
			out = append(out, prof)
		}
	}
	return out, nil
}

func (p *Pipeline) advance(result *Result, asset *media.SourceAsset, stage Stage) {
	result.Stage = stage
	if p.opts.OnStage != nil {
		p.opts.OnStage(asset, stage)
	}
}

// loadSource returns the image bytes the profiles are generated from. For
// videos that is a sampled frame; frame files are registered in temps.
func (p *Pipeline) loadSource(ctx context.Context, in Input, result *Result, temps *[]string, logger *slog.Logger) ([]byte, error) {
	if !in.Asset.IsVideo() {
		if len(in.Data) > 0 {
			return in.Data, nil
		}
		if in.Path == "" {
			return nil, &Failure{Kind: FailureFatal, Err: ErrNoSource}
		}
		data, err := os.ReadFile(in.Path)
		if err != nil {
			return nil, fatal("read source: %w", err)
		}
		if len(data) == 0 {
			return nil, &Failure{Kind: FailureFatal, Err: ErrNoSource}
		}
		return data, nil
	}

	if p.sampler == nil {
		return nil, fatal("video source without frame sampler")
	}

	videoPath := in.Path
	if videoPath == "" {
		if len(in.Data) == 0 {
			return nil, &Failure{Kind: FailureFatal, Err: ErrNoSource}
		}
		path, err := writeTemp(in.Data, "rendition-video-*")
		if err != nil {
			return nil, fatal("spool video: %w", err)
		}
		*temps = append(*temps, path)
		videoPath = path
	}

	result.Video = p.sampler.Probe(ctx, videoPath)
	ts := converters.ClampTimestamp(p.opts.FrameTimestamp, result.Video.Duration)
	logger.Info("sampling video frame", "timestamp", ts, "duration", result.Video.Duration,
		"width", result.Video.Width, "height", result.Video.Height)

	framePath, err := p.sampler.ExtractFrame(ctx, videoPath, ts)
	if err != nil {
		return nil, fatal("extract frame: %w", err)
	}
	*temps = append(*temps, framePath)

	data, err := os.ReadFile(framePath)
	if err != nil {
		return nil, fatal("read frame: %w", err)
	}
	return data, nil
}

// runProfile never panics; a panicking decoder or encoder becomes a
// derivative failure for this profile only.
func (p *Pipeline) runProfile(ctx context.Context, asset *media.SourceAsset, src img.Source, animated bool, profile media.Profile, logger *slog.Logger) (outcome Outcome) {
	start := time.Now()
	outcome = Outcome{Profile: profile.Name}
	finish := func(status OutcomeStatus, f *Failure) Outcome {
		outcome.Status = status
		outcome.Failure = f
		outcome.Duration = time.Since(start)
		metrics.DerivativesTotal.WithLabelValues(profile.Name, string(status)).Inc()
		if f != nil {
			logger.Error("derivative failed", "failure", string(f.Kind), "err", f.Err)
		}
		return outcome
	}
	defer func() {
		if r := recover(); r != nil {
			outcome.Derivative = nil
			outcome = finish(OutcomeFailed, &Failure{Kind: FailureDerivative, Profile: profile.Name, Err: fmt.Errorf("%w: %v", ErrPanic, r)})
		}
	}()

	out, err := p.gen.Generate(ctx, src, profile, animated)
	if errors.Is(err, img.ErrUpscaleSkipped) {
		logger.Info("profile skipped, source not larger than target", "size", profile.Size)
		return finish(OutcomeSkipped, nil)
	}
	if err != nil {
		return finish(OutcomeFailed, &Failure{Kind: FailureDerivative, Profile: profile.Name, Err: err})
	}

	if err := p.store.EnsureBucket(ctx, profile.Bucket); err != nil {
		outcome.Warning = &Failure{Kind: FailureBucketProvision, Profile: profile.Name, Err: err}
		logger.Warn("bucket provisioning failed, uploading anyway", "bucket", profile.Bucket, "err", err)
	}

	key := StorageKey(asset.ID)
	url, err := p.store.Upload(ctx, profile.Bucket, key, out.Data, out.ContentType)
	if err != nil {
		return finish(OutcomeFailed, &Failure{Kind: FailureUpload, Profile: profile.Name, Err: err})
	}
	metrics.UploadBytesTotal.WithLabelValues(profile.Name).Add(float64(len(out.Data)))

	d := &media.Derivative{
		SourceAssetID: asset.ID,
		Profile:       profile.Name,
		Bucket:        profile.Bucket,
		Key:           key,
		URL:           url,
		Width:         out.Width,
		Height:        out.Height,
		Size:          int64(len(out.Data)),
		Quality:       profile.Quality,
	}

	if err := p.upsert(ctx, d); err != nil {
		return finish(OutcomeFailed, &Failure{Kind: FailureRegistry, Profile: profile.Name, Err: err})
	}

	outcome.Derivative = d
	logger.Info("derivative stored", "width", d.Width, "height", d.Height, "bytes", d.Size, "url", d.URL, "animated", out.Animated)
	return finish(OutcomeSucceeded, nil)
}

func (p *Pipeline) upsert(ctx context.Context, d *media.Derivative) error {
	unlock := p.locks.Lock(d.SourceAssetID.String() + "/" + d.Profile)
	defer unlock()
	return p.registry.UpsertDerivative(ctx, d)
}

// promoteRepresentative rewrites the canonical URL only when the largest fit
// profile succeeded, and deletes the original only after that rewrite.
func (p *Pipeline) promoteRepresentative(ctx context.Context, asset *media.SourceAsset, result *Result, logger *slog.Logger) {
	rep, ok := media.Representative(p.opts.Profiles)
	if !ok {
		return
	}

	var derivative *media.Derivative
	for _, o := range result.Outcomes {
		if o.Profile == rep.Name && o.Status == OutcomeSucceeded {
			derivative = o.Derivative
		}
	}
	if derivative == nil {
		logger.Info("representative derivative unavailable, keeping canonical url", "profile", rep.Name)
		return
	}

	if err := p.registry.UpdateAssetURL(ctx, asset.ID, derivative.URL); err != nil {
		result.Warnings = append(result.Warnings, &Failure{Kind: FailureRegistry, Profile: rep.Name, Err: err})
		logger.Warn("canonical url rewrite failed", "err", err)
		return
	}
	result.RepresentativeURL = derivative.URL
	logger.Info("canonical url rewritten", "url", derivative.URL)

	if !p.opts.DeleteOriginal || asset.OriginBucket == "" || asset.OriginKey == "" {
		return
	}
	if err := p.store.Delete(ctx, asset.OriginBucket, []string{asset.OriginKey}); err != nil {
		result.Warnings = append(result.Warnings, &Failure{Kind: FailureCleanup, Err: fmt.Errorf("delete original: %w", err)})
		logger.Warn("delete original failed", "bucket", asset.OriginBucket, "key", asset.OriginKey, "err", err)
		return
	}
	result.OriginalDeleted = true
	logger.Info("original deleted", "bucket", asset.OriginBucket, "key", asset.OriginKey)
}

func writeTemp(data []byte, pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeTemps(paths []string) []*Failure {
	var failures []*Failure
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			failures = append(failures, &Failure{Kind: FailureCleanup, Err: fmt.Errorf("remove %s: %w", path, err)})
		}
	}
	return failures
}
