package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-renditions/internal/converters"
	"github.com/tendant/simple-renditions/internal/media"
	"github.com/tendant/simple-renditions/internal/pipeline"
	"github.com/tendant/simple-renditions/internal/process"
	"github.com/tendant/simple-renditions/internal/registry"
	"github.com/tendant/simple-renditions/pkg/schema"
)

type publisher interface {
	PublishJSON(subject string, v any) error
}

type sourceFetcher interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	FetchToFile(ctx context.Context, bucket, key string) (string, func() error, error)
}

type processor interface {
	Process(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

type worker struct {
	store         registry.Store
	uploader      sourceFetcher
	pipeline      processor
	pool          *process.Pool
	bus           publisher
	resultSubject string
	jobTimeout    time.Duration
	logger        *slog.Logger
}

type ValidationError struct {
	Type    schema.FailureType
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// handleMessage decodes one AssetUploaded event and queues it. It blocks while
// every worker is busy. An event that cannot be queued is reported as a
// retryable failure.
func (w *worker) handleMessage(ctx context.Context, data []byte) {
	evt, assetID, err := decodeEvent(data)
	if err != nil {
		w.logger.Warn("rejecting event", "err", err)
		state := &ProcessingState{JobID: uuid.NewString(), AssetID: evt.AssetID, StartTime: time.Now()}
		state.AddLifecycleEvent(schema.StageFailed, err, classifyError(err))
		w.publishDone(state, nil, err)
		return
	}

	job := process.NewJob("asset", uuid.NewString(), assetID.String(), evt)
	if _, err := w.pool.Submit(ctx, job, func(jobCtx context.Context, job *process.Job) error {
		return w.runJob(jobCtx, job, assetID, evt)
	}); err != nil {
		w.logger.Error("submit job failed", "asset_id", assetID.String(), "err", err)
		err = fmt.Errorf("queue job: %w", err)
		state := &ProcessingState{JobID: job.ID, AssetID: assetID.String(), Profiles: evt.Profiles, StartTime: time.Now()}
		state.AddLifecycleEvent(schema.StageFailed, err, schema.FailureTypeRetryable)
		w.publishDone(state, nil, err)
	}
}

func decodeEvent(data []byte) (schema.AssetUploaded, uuid.UUID, error) {
	var evt schema.AssetUploaded
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, uuid.Nil, ValidationError{Type: schema.FailureTypeValidation, Message: fmt.Sprintf("decode event: %v", err)}
	}
	if evt.AssetID == "" {
		return evt, uuid.Nil, ValidationError{Type: schema.FailureTypeValidation, Message: "event missing asset_id"}
	}
	id, err := uuid.Parse(evt.AssetID)
	if err != nil {
		return evt, uuid.Nil, ValidationError{Type: schema.FailureTypeValidation, Message: fmt.Sprintf("invalid asset_id %q: %v", evt.AssetID, err)}
	}
	return evt, id, nil
}

func (w *worker) runJob(ctx context.Context, job *process.Job, assetID uuid.UUID, evt schema.AssetUploaded) error {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	jobLogger := w.logger.With("job_id", job.ID, "asset_id", assetID.String())
	state := &ProcessingState{
		JobID:     job.ID,
		AssetID:   assetID.String(),
		Profiles:  evt.Profiles,
		StartTime: time.Now(),
	}

	asset, err := w.store.GetAsset(ctx, assetID)
	if err != nil {
		jobLogger.Error("fetch asset failed", "err", err)
		if errors.Is(err, registry.ErrNotFound) {
			err = ValidationError{Type: schema.FailureTypeValidation, Message: err.Error()}
		}
		state.AddLifecycleEvent(schema.StageFailed, err, classifyError(err))
		w.publishDone(state, nil, err)
		return err
	}
	state.Kind = string(asset.Kind)
	jobLogger = jobLogger.With("kind", state.Kind)

	in, err := w.fetchSource(ctx, asset)
	if err != nil {
		jobLogger.Error("fetch source failed", "err", err)
		state.AddLifecycleEvent(schema.StageFailed, err, classifyError(err))
		w.publishDone(state, nil, err)
		return err
	}
	in.Profiles = evt.Profiles
	in.OnStage = func(stage pipeline.Stage) {
		if s, ok := lifecycleStage(stage); ok {
			state.AddLifecycleEvent(s, nil, "")
			w.publishLifecycleEvent(state.Last())
		}
	}

	result, err := w.pipeline.Process(ctx, in)
	if err != nil {
		state.AddLifecycleEvent(schema.StageFailed, err, classifyError(err))
		w.publishDone(state, nil, err)
		return err
	}

	w.publishDone(state, result, nil)
	jobLogger.Info("completed job",
		"succeeded", result.Count(pipeline.OutcomeSucceeded),
		"failed", result.Count(pipeline.OutcomeFailed),
		"skipped", result.Count(pipeline.OutcomeSkipped),
		"processing_time_ms", state.GetProcessingDuration())
	return nil
}

// fetchSource loads image bytes into memory and spools videos to disk for
// ffmpeg. The pipeline owns and removes the spooled file.
func (w *worker) fetchSource(ctx context.Context, asset *media.SourceAsset) (pipeline.Input, error) {
	in := pipeline.Input{Asset: asset}
	if asset.IsAvatar() {
		return in, nil
	}
	if asset.OriginBucket == "" || asset.OriginKey == "" {
		return in, ValidationError{Type: schema.FailureTypeValidation, Message: "asset has no origin object"}
	}
	if asset.MimeType != "" && !converters.IsSupported(asset.MimeType) {
		return in, ValidationError{Type: schema.FailureTypeValidation, Message: "unsupported mime type: " + asset.MimeType}
	}

	if asset.IsVideo() {
		path, _, err := w.uploader.FetchToFile(ctx, asset.OriginBucket, asset.OriginKey)
		if err != nil {
			return in, fmt.Errorf("fetch source: %w", err)
		}
		in.Path = path
		in.OwnsPath = true
		return in, nil
	}

	data, err := w.uploader.Download(ctx, asset.OriginBucket, asset.OriginKey)
	if err != nil {
		return in, fmt.Errorf("fetch source: %w", err)
	}
	in.Data = data
	return in, nil
}

func lifecycleStage(stage pipeline.Stage) (schema.ProcessingStage, bool) {
	switch stage {
	case pipeline.StageReceived:
		return schema.StageReceived, true
	case pipeline.StageExtractingMetadata:
		return schema.StageExtracting, true
	case pipeline.StageGeneratingDerivatives:
		return schema.StageGenerating, true
	case pipeline.StageComplete:
		return schema.StageCompleted, true
	}
	return "", false
}

func classifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var validationErr ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Type
	}
	return pipeline.Classify(err)
}

type ProcessingState struct {
	JobID     string
	AssetID   string
	Kind      string
	Profiles  []string
	StartTime time.Time

	mu        sync.Mutex
	Lifecycle []schema.LifecycleEvent
}

func (ps *ProcessingState) AddLifecycleEvent(stage schema.ProcessingStage, err error, failureType schema.FailureType) {
	event := schema.LifecycleEvent{
		JobID:      ps.JobID,
		AssetID:    ps.AssetID,
		Kind:       ps.Kind,
		Stage:      stage,
		Profiles:   ps.Profiles,
		HappenedAt: time.Now().Unix(),
	}

	if stage == schema.StageGenerating {
		event.ProcessingStart = ps.StartTime.UnixMilli()
	} else if stage == schema.StageCompleted || stage == schema.StageFailed {
		event.ProcessingStart = ps.StartTime.UnixMilli()
		event.ProcessingEnd = time.Now().UnixMilli()
	}

	if err != nil {
		event.Error = err.Error()
		event.FailureType = failureType
	}

	ps.mu.Lock()
	ps.Lifecycle = append(ps.Lifecycle, event)
	ps.mu.Unlock()
}

func (ps *ProcessingState) Last() schema.LifecycleEvent {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.Lifecycle[len(ps.Lifecycle)-1]
}

func (ps *ProcessingState) GetProcessingDuration() int64 {
	if ps.StartTime.IsZero() {
		return 0
	}
	return time.Since(ps.StartTime).Milliseconds()
}

func (w *worker) publishLifecycleEvent(event schema.LifecycleEvent) {
	if err := w.bus.PublishJSON(w.resultSubject+".lifecycle", event); err != nil {
		w.logger.Error("publish lifecycle event failed", "subject", w.resultSubject, "stage", event.Stage, "err", err)
	}
}

func (w *worker) publishDone(state *ProcessingState, result *pipeline.Result, cause error) {
	done := buildDone(state, result, cause)
	if err := w.bus.PublishJSON(w.resultSubject, done); err != nil {
		w.logger.Error("publish result failed", "subject", w.resultSubject, "job_id", state.JobID, "err", err)
	}
}

func buildDone(state *ProcessingState, result *pipeline.Result, cause error) schema.PipelineDone {
	state.mu.Lock()
	lifecycle := append([]schema.LifecycleEvent(nil), state.Lifecycle...)
	state.mu.Unlock()

	done := schema.PipelineDone{
		JobID:            state.JobID,
		AssetID:          state.AssetID,
		Kind:             state.Kind,
		ProcessingTimeMs: state.GetProcessingDuration(),
		Lifecycle:        lifecycle,
		HappenedAt:       time.Now().Unix(),
	}

	if result != nil {
		done.RepresentativeURL = result.RepresentativeURL
		done.OriginalDeleted = result.OriginalDeleted
		for _, o := range result.Outcomes {
			done.Results = append(done.Results, derivativeResult(o))
			switch o.Status {
			case pipeline.OutcomeSucceeded:
				done.TotalProcessed++
			case pipeline.OutcomeFailed:
				done.TotalFailed++
			case pipeline.OutcomeSkipped:
				done.TotalSkipped++
			}
		}
	}

	if cause != nil {
		done.Error = cause.Error()
		done.FailureType = classifyError(cause)
	}
	return done
}

func derivativeResult(o pipeline.Outcome) schema.DerivativeResult {
	r := schema.DerivativeResult{
		Profile:          o.Profile,
		Status:           strings.ToLower(string(o.Status)),
		ProcessingTimeMs: o.Duration.Milliseconds(),
	}
	if d := o.Derivative; d != nil {
		r.Bucket = d.Bucket
		r.Key = d.Key
		r.URL = d.URL
		r.Width = d.Width
		r.Height = d.Height
		r.SizeBytes = d.Size
		r.Quality = d.Quality
	}
	if o.Failure != nil {
		r.FailureKind = string(o.Failure.Kind)
		r.Error = o.Failure.Err.Error()
	}
	return r
}
