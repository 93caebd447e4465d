// pkg/schema/events.go
package schema

// AssetUploaded is published by upload intake once a SourceAsset row exists
// and its original object is stored.
type AssetUploaded struct {
	AssetID    string   `json:"asset_id"`
	Profiles   []string `json:"profiles,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	HappenedAt int64    `json:"happened_at"`
}

type ProcessingStage string

const (
	StageReceived   ProcessingStage = "received"
	StageExtracting ProcessingStage = "extracting_metadata"
	StageGenerating ProcessingStage = "generating_derivatives"
	StageCompleted  ProcessingStage = "completed"
	StageFailed     ProcessingStage = "failed"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

type DerivativeResult struct {
	Profile          string `json:"profile"`
	Status           string `json:"status"`
	Bucket           string `json:"bucket,omitempty"`
	Key              string `json:"key,omitempty"`
	URL              string `json:"url,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	SizeBytes        int64  `json:"size_bytes,omitempty"`
	Quality          int    `json:"quality,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	FailureKind      string `json:"failure_kind,omitempty"`
	Error            string `json:"error,omitempty"`
}

type LifecycleEvent struct {
	JobID           string          `json:"job_id"`
	AssetID         string          `json:"asset_id"`
	Kind            string          `json:"kind,omitempty"`
	Stage           ProcessingStage `json:"stage"`
	Profiles        []string        `json:"profiles,omitempty"`
	ProcessingStart int64           `json:"processing_start,omitempty"`
	ProcessingEnd   int64           `json:"processing_end,omitempty"`
	Error           string          `json:"error,omitempty"`
	FailureType     FailureType     `json:"failure_type,omitempty"`
	HappenedAt      int64           `json:"happened_at"`
}

// PipelineDone is published once per processed asset. Error is only set for
// fatal failures; per-profile failures live in Results.
type PipelineDone struct {
	JobID             string             `json:"job_id"`
	AssetID           string             `json:"asset_id"`
	Kind              string             `json:"kind,omitempty"`
	TotalProcessed    int                `json:"total_processed"`
	TotalFailed       int                `json:"total_failed"`
	TotalSkipped      int                `json:"total_skipped"`
	RepresentativeURL string             `json:"representative_url,omitempty"`
	OriginalDeleted   bool               `json:"original_deleted,omitempty"`
	ProcessingTimeMs  int64              `json:"processing_time_ms"`
	Results           []DerivativeResult `json:"results,omitempty"`
	Lifecycle         []LifecycleEvent   `json:"lifecycle,omitempty"`
	Error             string             `json:"error,omitempty"`
	FailureType       FailureType        `json:"failure_type,omitempty"`
	HappenedAt        int64              `json:"happened_at"`
}
