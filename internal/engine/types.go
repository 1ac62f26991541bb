// Package engine defines the contracts for the external inference engines
// and provides HTTP client implementations for each. The pipeline depends
// only on the interfaces; concrete implementations are selected at
// construction time.
package engine

import (
	"context"
	"io"
)

// PersonBox is one detected person region in the source image.
type PersonBox struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// DetectParams tunes person detection.
type DetectParams struct {
	// MinConfidence filters detections below this score. Zero uses the
	// engine default.
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

// DetectResult is the outcome of a successful detection call.
type DetectResult struct {
	// Persons holds every detected person region.
	Persons []PersonBox `json:"persons"`
	// SelectedIndex is the engine's pick of the primary person.
	SelectedIndex int `json:"selected_index"`
	// AnnotatedImage is the source image with detection overlays.
	AnnotatedImage []byte `json:"annotated_image"`
}

// RemoveParams tunes background removal.
type RemoveParams struct {
	// FeatherPx softens the mask edge by this many pixels.
	FeatherPx int `json:"feather_px,omitempty"`
}

// RemoveResult is the outcome of a successful background removal call.
type RemoveResult struct {
	// MaskedImage is the person cutout with transparent background.
	MaskedImage []byte `json:"masked_image"`
}

// JobState is the lifecycle state of an asynchronous synthesis job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobError   JobState = "error"
)

// Terminal returns true when the job will not change state again.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobError
}

// JobStatus is a snapshot of an asynchronous synthesis job.
type JobStatus struct {
	State JobState `json:"state"`
	// ResultURL is set once State is done.
	ResultURL string `json:"result_url,omitempty"`
	// Error describes the failure once State is error.
	Error string `json:"error,omitempty"`
}

// PersonDetector locates persons in an image.
type PersonDetector interface {
	Detect(ctx context.Context, image []byte, params DetectParams) (*DetectResult, error)
}

// BackgroundRemover produces a person cutout from an image.
type BackgroundRemover interface {
	Remove(ctx context.Context, image []byte, params RemoveParams) (*RemoveResult, error)
}

// VideoSynthesizer renders a talking video from a cutout image and an
// audio track. Synthesis is asynchronous: SubmitJob enqueues, PollJob
// observes, FetchResult downloads the finished artifact.
type VideoSynthesizer interface {
	SubmitJob(ctx context.Context, image, audio []byte) (string, error)
	PollJob(ctx context.Context, jobID string) (*JobStatus, error)
	FetchResult(ctx context.Context, resultURL string) (io.ReadCloser, error)
}
