package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/avatarr/internal/config"
	"github.com/jmylchreest/avatarr/internal/engine"
	"github.com/jmylchreest/avatarr/internal/gpu"
	"github.com/jmylchreest/avatarr/internal/models"
	"github.com/jmylchreest/avatarr/internal/progress"
	"github.com/jmylchreest/avatarr/internal/registry"
	"github.com/jmylchreest/avatarr/internal/repository"
	"github.com/jmylchreest/avatarr/internal/storage"
)

// Progress anchors per stage.
const (
	progressUpload          = 20
	progressDetectionStart  = 25
	progressDetectionDone   = 40
	progressRemovalStart    = 50
	progressRemovalDone     = 60
	progressVideoUpload     = 70
	progressPollingStart    = 75
	progressPollingDone     = 80
	progressFinalizing      = 90
	progressCompleted       = 100
	pollTransportRetries    = 3
	engineRetryInitialDelay = 500 * time.Millisecond
)

// Orchestrator walks tasks through the pipeline stages. It owns no task
// state of its own; all state lives in the registry, the storage manager,
// and the progress hub.
type Orchestrator struct {
	cfg      config.PipelineConfig
	registry *registry.Registry
	store    *storage.Manager
	gpu      *gpu.Scheduler
	hub      *progress.Hub
	detector engine.PersonDetector
	remover  engine.BackgroundRemover
	synth    engine.VideoSynthesizer
	history  repository.TaskHistoryRepository
	logger   *slog.Logger

	baseCtx   context.Context
	baseStop  context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc
	doneChs   map[string]chan struct{}
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry *registry.Registry
	Store    *storage.Manager
	GPU      *gpu.Scheduler
	Hub      *progress.Hub
	Detector engine.PersonDetector
	Remover  engine.BackgroundRemover
	Synth    engine.VideoSynthesizer
	// History archives terminal task records; may be nil.
	History repository.TaskHistoryRepository
	Logger  *slog.Logger
}

// New creates an orchestrator.
func New(cfg config.PipelineConfig, deps Deps) *Orchestrator {
	baseCtx, baseStop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		registry:  deps.Registry,
		store:     deps.Store,
		gpu:       deps.GPU,
		hub:       deps.Hub,
		detector:  deps.Detector,
		remover:   deps.Remover,
		synth:     deps.Synth,
		history:   deps.History,
		logger:    deps.Logger.With(slog.String("component", "orchestrator")),
		baseCtx:   baseCtx,
		baseStop:  baseStop,
		cancelFns: make(map[string]context.CancelFunc),
		doneChs:   make(map[string]chan struct{}),
	}
}

// Execute validates and admits a request, returning as soon as a task id
// is registered. Execution proceeds asynchronously.
func (o *Orchestrator) Execute(req *Request) (string, error) {
	if err := req.Validate(o.cfg); err != nil {
		return "", err
	}

	taskID := models.NewULID().String()

	if err := o.registry.Register(taskID, registry.Record{}); err != nil {
		if errors.Is(err, registry.ErrOverloaded) {
			return "", newError(KindOverloaded, "", "too many active tasks", err)
		}
		return "", newError(KindInternal, "", "registering task", err)
	}

	o.hub.Open(taskID)

	runCtx, cancel := context.WithCancel(o.baseCtx)
	done := make(chan struct{})

	o.mu.Lock()
	o.cancelFns[taskID] = cancel
	o.doneChs[taskID] = done
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		defer func() {
			o.mu.Lock()
			delete(o.cancelFns, taskID)
			delete(o.doneChs, taskID)
			o.mu.Unlock()
			cancel()
		}()
		o.run(runCtx, taskID, req)
	}()

	o.logger.Info("task accepted", slog.String("task_id", taskID))
	return taskID, nil
}

// Cancel requests cancellation of a task. The task observes it at the next
// suspension point and terminates through the rollback path with kind
// canceled. Canceling an unknown or already-finished task is a no-op.
func (o *Orchestrator) Cancel(taskID string) {
	o.mu.Lock()
	cancel, ok := o.cancelFns[taskID]
	o.mu.Unlock()

	if !ok {
		return
	}
	o.logger.Info("task cancel requested", slog.String("task_id", taskID))
	cancel()
}

// Await blocks until the task reaches a terminal stage or the deadline
// passes. It never affects execution. Once the worker has cleaned up its
// bookkeeping, Await falls through to the registry snapshot, which by then
// holds the terminal record.
func (o *Orchestrator) Await(taskID string, timeout time.Duration) (registry.Record, error) {
	o.mu.Lock()
	done, running := o.doneChs[taskID]
	o.mu.Unlock()

	if running {
		select {
		case <-done:
		case <-time.After(timeout):
			return registry.Record{}, fmt.Errorf("awaiting task %s: %w", taskID, context.DeadlineExceeded)
		}
	}

	return o.registry.Get(taskID)
}

// Status returns a snapshot of the task record.
func (o *Orchestrator) Status(taskID string) (registry.Record, error) {
	return o.registry.Get(taskID)
}

// Shutdown cancels all running tasks and waits for them to finish
// rolling back, up to the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.baseStop()

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// run executes the full stage walk for one task.
func (o *Orchestrator) run(ctx context.Context, taskID string, req *Request) {
	logger := o.logger.With(slog.String("task_id", taskID))
	start := time.Now()

	var artifacts []string

	err := o.walk(ctx, taskID, req, logger, &artifacts)
	if err == nil {
		logger.Info("task completed",
			slog.Duration("duration", time.Since(start)),
			slog.Int("artifacts", len(artifacts)),
		)
		o.archive(taskID)
		return
	}

	o.fail(taskID, classify(err, o.currentStage(taskID)), artifacts, logger)
	o.archive(taskID)
}

// walk runs the stages in order, returning the first failure.
func (o *Orchestrator) walk(ctx context.Context, taskID string, req *Request, logger *slog.Logger, artifacts *[]string) error {
	// upload
	imagePath, err := o.stageUpload(ctx, taskID, req, artifacts)
	if err != nil {
		return err
	}

	// detection
	cropPath, err := o.stageDetection(ctx, taskID, req, imagePath, artifacts)
	if err != nil {
		return err
	}

	// background_removal
	maskedPath, err := o.stageRemoval(ctx, taskID, req, cropPath, artifacts)
	if err != nil {
		return err
	}

	// video_upload
	jobID, err := o.stageSubmit(ctx, taskID, maskedPath, req.AudioData)
	if err != nil {
		return err
	}

	// video_processing
	resultURL, err := o.stagePoll(ctx, taskID, jobID)
	if err != nil {
		return err
	}

	// finalizing
	videoPath, err := o.stageFinalize(ctx, taskID, resultURL, artifacts)
	if err != nil {
		return err
	}

	// completed
	if err := o.transition(taskID, registry.StageCompleted, progressCompleted, func(rec *registry.Record) {
		rec.ResultPath = videoPath
	}); err != nil {
		return err
	}
	o.publish(taskID, progress.Event{
		Kind: progress.KindStageComplete, Stage: string(registry.StageCompleted),
		Progress: progressCompleted, Message: "video ready",
	})

	logger.Debug("final artifact registered", slog.String("path", videoPath))
	return nil
}

// stageUpload stores the raw inputs in the uploads tier and returns the
// stored image path.
func (o *Orchestrator) stageUpload(ctx context.Context, taskID string, req *Request, artifacts *[]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := o.transition(taskID, registry.StageUpload, progressUpload, nil); err != nil {
		return "", err
	}
	o.publish(taskID, progress.Event{
		Kind: progress.KindStageStart, Stage: string(registry.StageUpload),
		Progress: progressUpload, Message: "storing inputs",
	})

	imagePath, err := o.store.Put(storage.TierUploads, req.ImageData, req.ImageName, taskID)
	if err != nil {
		return "", newError(KindStorageError, registry.StageUpload, "storing image", err)
	}
	o.trackArtifact(taskID, imagePath, artifacts)

	audioPath, err := o.store.Put(storage.TierUploads, req.AudioData, req.AudioName, taskID)
	if err != nil {
		return "", newError(KindStorageError, registry.StageUpload, "storing audio", err)
	}
	o.trackArtifact(taskID, audioPath, artifacts)

	o.publish(taskID, progress.Event{
		Kind: progress.KindStageComplete, Stage: string(registry.StageUpload),
		Progress: progressUpload,
	})
	return imagePath, nil
}

// stageDetection borrows a detector slot, runs person detection, and
// stores the annotated crop. The slot is released before the next stage
// can request one.
func (o *Orchestrator) stageDetection(ctx context.Context, taskID string, req *Request, imagePath string, artifacts *[]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := o.transition(taskID, registry.StageDetection, progressDetectionStart, nil); err != nil {
		return "", err
	}
	o.publish(taskID, progress.Event{
		Kind: progress.KindStageStart, Stage: string(registry.StageDetection),
		Progress: progressDetectionStart, Message: "detecting person",
	})

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.DetectionTimeout)
	defer cancel()

	image, err := o.store.Get(imagePath)
	if err != nil {
		return "", newError(KindStorageError, registry.StageDetection, "reading stored image", err)
	}

	var result *engine.DetectResult
	err = o.withSlot(stageCtx, gpu.ClassDetector, taskID, func(callCtx context.Context) error {
		return o.retryEngine(callCtx, func() error {
			var detectErr error
			result, detectErr = o.detector.Detect(callCtx, image, req.DetectParams)
			return detectErr
		})
	})
	if err != nil {
		return "", err
	}

	cropPath, err := o.store.Put(storage.TierProcessed, result.AnnotatedImage, "detected.png", taskID)
	if err != nil {
		return "", newError(KindStorageError, registry.StageDetection, "storing detection crop", err)
	}
	o.trackArtifact(taskID, cropPath, artifacts)

	o.setProgress(taskID, progressDetectionDone)
	o.publish(taskID, progress.Event{
		Kind: progress.KindStageComplete, Stage: string(registry.StageDetection),
		Progress: progressDetectionDone,
		Message:  fmt.Sprintf("%d person(s) found", len(result.Persons)),
	})
	return cropPath, nil
}

// stageRemoval borrows a segmenter slot and stores the masked image.
func (o *Orchestrator) stageRemoval(ctx context.Context, taskID string, req *Request, cropPath string, artifacts *[]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := o.transition(taskID, registry.StageBackgroundRemoval, progressRemovalStart, nil); err != nil {
		return "", err
	}
	o.publish(taskID, progress.Event{
		Kind: progress.KindStageStart, Stage: string(registry.StageBackgroundRemoval),
		Progress: progressRemovalStart, Message: "removing background",
	})

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.SegmentationTimeout)
	defer cancel()

	crop, err := o.store.Get(cropPath)
	if err != nil {
		return "", newError(KindStorageError, registry.StageBackgroundRemoval, "reading detection crop", err)
	}

	var result *engine.RemoveResult
	err = o.withSlot(stageCtx, gpu.ClassSegmenter, taskID, func(callCtx context.Context) error {
		return o.retryEngine(callCtx, func() error {
			var removeErr error
			result, removeErr = o.remover.Remove(callCtx, crop, req.RemoveParams)
			return removeErr
		})
	})
	if err != nil {
		return "", err
	}

	maskedPath, err := o.store.Put(storage.TierProcessed, result.MaskedImage, "masked.png", taskID)
	if err != nil {
		return "", newError(KindStorageError, registry.StageBackgroundRemoval, "storing masked image", err)
	}
	o.trackArtifact(taskID, maskedPath, artifacts)

	o.setProgress(taskID, progressRemovalDone)
	o.publish(taskID, progress.Event{
		Kind: progress.KindStageComplete, Stage: string(registry.StageBackgroundRemoval),
		Progress: progressRemovalDone,
	})
	return maskedPath, nil
}

// stageSubmit pushes the cutout and audio to the video engine.
func (o *Orchestrator) stageSubmit(ctx context.Context, taskID, maskedPath string, audio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := o.transition(taskID, registry.StageVideoUpload, progressVideoUpload, nil); err != nil {
		return "", err
	}
	o.publish(taskID, progress.Event{
		Kind: progress.KindStageStart, Stage: string(registry.StageVideoUpload),
		Progress: progressVideoUpload, Message: "submitting synthesis job",
	})

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	defer cancel()

	masked, err := o.store.Get(maskedPath)
	if err != nil {
		return "", newError(KindStorageError, registry.StageVideoUpload, "reading masked image", err)
	}

	var jobID string
	err = o.retryEngine(stageCtx, func() error {
		var submitErr error
		jobID, submitErr = o.synth.SubmitJob(stageCtx, masked, audio)
		return submitErr
	})
	if err != nil {
		return "", err
	}

	o.publish(taskID, progress.Event{
		Kind: progress.KindStageComplete, Stage: string(registry.StageVideoUpload),
		Progress: progressVideoUpload, Message: "job " + jobID,
	})
	return jobID, nil
}

// stagePoll polls the video engine with bounded exponential backoff until
// the job terminates or the overall poll deadline passes.
func (o *Orchestrator) stagePoll(ctx context.Context, taskID, jobID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := o.transition(taskID, registry.StageVideoProcessing, progressPollingStart, nil); err != nil {
		return "", err
	}
	o.publish(taskID, progress.Event{
		Kind: progress.KindStageStart, Stage: string(registry.StageVideoProcessing),
		Progress: progressPollingStart, Message: "rendering",
	})

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.PollTimeout)
	defer cancel()

	delay := o.cfg.PollInitialDelay
	transportFailures := 0
	current := progressPollingStart

	for {
		select {
		case <-stageCtx.Done():
			return "", stageCtx.Err()
		case <-time.After(delay):
		}

		status, err := o.synth.PollJob(stageCtx, jobID)
		if err != nil {
			if !engine.IsRetryable(err) {
				return "", err
			}
			transportFailures++
			if transportFailures > pollTransportRetries {
				return "", err
			}
			continue
		}
		transportFailures = 0

		switch status.State {
		case engine.JobDone:
			if status.ResultURL == "" {
				return "", newError(KindEngineError, registry.StageVideoProcessing,
					"job done without result url", nil)
			}
			o.setProgress(taskID, progressPollingDone)
			o.publish(taskID, progress.Event{
				Kind: progress.KindStageComplete, Stage: string(registry.StageVideoProcessing),
				Progress: progressPollingDone,
			})
			return status.ResultURL, nil

		case engine.JobError:
			return "", newError(KindEngineError, registry.StageVideoProcessing,
				"synthesis failed: "+status.Error, nil)

		case engine.JobQueued, engine.JobRunning:
			if current < progressPollingDone-1 {
				current++
				o.setProgress(taskID, current)
				o.publish(taskID, progress.Event{
					Kind: progress.KindStageProgress, Stage: string(registry.StageVideoProcessing),
					Progress: current,
				})
			}
		}

		delay = time.Duration(float64(delay) * o.cfg.PollMultiplier)
		if delay > o.cfg.PollMaxDelay {
			delay = o.cfg.PollMaxDelay
		}
	}
}

// stageFinalize downloads the rendered video into the videos tier.
func (o *Orchestrator) stageFinalize(ctx context.Context, taskID, resultURL string, artifacts *[]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := o.transition(taskID, registry.StageFinalizing, progressFinalizing, nil); err != nil {
		return "", err
	}
	o.publish(taskID, progress.Event{
		Kind: progress.KindStageStart, Stage: string(registry.StageFinalizing),
		Progress: progressFinalizing, Message: "registering result",
	})

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.FinalizeTimeout)
	defer cancel()

	body, err := o.synth.FetchResult(stageCtx, resultURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	videoPath, err := o.store.PutReader(storage.TierVideos, body, "result.mp4", taskID)
	if err != nil {
		return "", newError(KindStorageError, registry.StageFinalizing, "storing final video", err)
	}
	o.trackArtifact(taskID, videoPath, artifacts)

	o.publish(taskID, progress.Event{
		Kind: progress.KindStageComplete, Stage: string(registry.StageFinalizing),
		Progress: progressFinalizing,
	})
	return videoPath, nil
}

// withSlot acquires a GPU slot for the duration of fn and releases it
// immediately after, before any other slot can be requested.
func (o *Orchestrator) withSlot(ctx context.Context, class gpu.Class, taskID string, fn func(context.Context) error) error {
	lease, err := o.gpu.Acquire(ctx, class, taskID)
	if err != nil {
		return err
	}
	defer o.gpu.Release(lease)
	return fn(ctx)
}

// retryEngine retries a retryable engine call with linear backoff.
// Semantic failures return immediately.
func (o *Orchestrator) retryEngine(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= o.cfg.EngineRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * engineRetryInitialDelay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !engine.IsRetryable(err) {
			return err
		}
	}
	return err
}

// transition moves the task to a new stage at the given progress anchor.
func (o *Orchestrator) transition(taskID string, stage registry.Stage, prog int, extra func(*registry.Record)) error {
	err := o.registry.Update(taskID, func(rec registry.Record) (registry.Record, error) {
		rec.Stage = stage
		rec.Progress = prog
		if extra != nil {
			extra(&rec)
		}
		return rec, nil
	})
	if err != nil {
		return newError(KindInternal, stage, "stage transition rejected", err)
	}
	return nil
}

// setProgress records a mid-stage progress value.
func (o *Orchestrator) setProgress(taskID string, prog int) {
	err := o.registry.Update(taskID, func(rec registry.Record) (registry.Record, error) {
		rec.Progress = prog
		return rec, nil
	})
	if err != nil {
		o.logger.Warn("progress update rejected",
			slog.String("task_id", taskID),
			slog.Int("progress", prog),
			slog.String("error", err.Error()),
		)
	}
}

// trackArtifact appends a stored path to the task record.
func (o *Orchestrator) trackArtifact(taskID, path string, artifacts *[]string) {
	*artifacts = append(*artifacts, path)
	err := o.registry.Update(taskID, func(rec registry.Record) (registry.Record, error) {
		rec.Artifacts = append(rec.Artifacts, path)
		return rec, nil
	})
	if err != nil {
		o.logger.Warn("artifact tracking rejected",
			slog.String("task_id", taskID),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends a progress event, logging rejected publishes.
func (o *Orchestrator) publish(taskID string, ev progress.Event) {
	if err := o.hub.Publish(taskID, ev); err != nil {
		o.logger.Warn("progress publish rejected",
			slog.String("task_id", taskID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// currentStage reads the stage the task is on right now.
func (o *Orchestrator) currentStage(taskID string) registry.Stage {
	rec, err := o.registry.Get(taskID)
	if err != nil {
		return registry.StageInitialized
	}
	return rec.Stage
}

// fail terminates a task: the record freezes on failed with its artifact
// list emptied in the same update, every stored artifact is released in
// reverse order, and a final failed event is published. Rollback is
// best-effort and never raises.
func (o *Orchestrator) fail(taskID string, failure *Error, artifacts []string, logger *slog.Logger) {
	logger.Warn("task failed",
		slog.String("error_kind", string(failure.Kind)),
		slog.String("stage", string(failure.Stage)),
		slog.String("message", failure.Message),
	)

	var lastProgress int
	err := o.registry.Update(taskID, func(rec registry.Record) (registry.Record, error) {
		lastProgress = rec.Progress
		rec.StageAtFailure = failure.Stage
		rec.Stage = registry.StageFailed
		rec.ErrorKind = string(failure.Kind)
		rec.ErrorMessage = failure.Message
		rec.Artifacts = nil
		return rec, nil
	})
	if err != nil {
		logger.Error("recording failure rejected", slog.String("error", err.Error()))
	}

	for i := len(artifacts) - 1; i >= 0; i-- {
		if err := o.store.Release(artifacts[i]); err != nil {
			logger.Warn("rollback release failed",
				slog.String("path", artifacts[i]),
				slog.String("error", err.Error()),
			)
		}
	}

	o.publish(taskID, progress.Event{
		Kind:      progress.KindFailed,
		Stage:     string(failure.Stage),
		Progress:  lastProgress,
		Message:   failure.Message,
		ErrorKind: string(failure.Kind),
	})
}

// archive copies the terminal record into the persistent task history.
func (o *Orchestrator) archive(taskID string) {
	if o.history == nil {
		return
	}

	rec, err := o.registry.Get(taskID)
	if err != nil || !rec.Terminal() {
		return
	}

	id, err := models.ParseULID(taskID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	record := &models.TaskHistory{
		TaskID:         id,
		FinalStage:     string(rec.Stage),
		StageAtFailure: string(rec.StageAtFailure),
		ErrorKind:      rec.ErrorKind,
		ErrorMessage:   rec.ErrorMessage,
		ResultPath:     rec.ResultPath,
		ArtifactCount:  len(rec.Artifacts),
		SubmittedAt:    rec.CreatedAt,
		FinishedAt:     rec.FinishedAt,
		DurationMs:     rec.FinishedAt.Sub(rec.CreatedAt).Milliseconds(),
	}
	if err := o.history.Create(ctx, record); err != nil {
		o.logger.Warn("archiving task history failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}
