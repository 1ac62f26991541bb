// Package handlers provides HTTP API handlers for avatarr.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/avatarr/internal/pipeline"
	"github.com/jmylchreest/avatarr/internal/registry"
	"github.com/jmylchreest/avatarr/internal/repository"
	"github.com/jmylchreest/avatarr/internal/storage"
)

// TaskHandler handles task submission, inspection, and cancellation.
type TaskHandler struct {
	orchestrator *pipeline.Orchestrator
	registry     *registry.Registry
	store        *storage.Manager
	history      repository.TaskHistoryRepository
	logger       *slog.Logger
}

// NewTaskHandler creates a new task handler. history may be nil when the
// task archive is disabled.
func NewTaskHandler(
	orch *pipeline.Orchestrator,
	reg *registry.Registry,
	store *storage.Manager,
	history repository.TaskHistoryRepository,
	logger *slog.Logger,
) *TaskHandler {
	return &TaskHandler{
		orchestrator: orch,
		registry:     reg,
		store:        store,
		history:      history,
		logger:       logger.With(slog.String("component", "task-handler")),
	}
}

// TaskResponse represents a task record in API responses.
type TaskResponse struct {
	TaskID         string    `json:"task_id"`
	Stage          string    `json:"stage"`
	Progress       int       `json:"progress"`
	Artifacts      []string  `json:"artifacts,omitempty"`
	ResultPath     string    `json:"result_path,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	StageAtFailure string    `json:"stage_at_failure,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

func taskFromRecord(rec registry.Record) TaskResponse {
	resp := TaskResponse{
		TaskID:         rec.TaskID,
		Stage:          string(rec.Stage),
		Progress:       rec.Progress,
		Artifacts:      rec.Artifacts,
		ResultPath:     rec.ResultPath,
		ErrorKind:      rec.ErrorKind,
		ErrorMessage:   rec.ErrorMessage,
		StageAtFailure: string(rec.StageAtFailure),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if !rec.FinishedAt.IsZero() {
		finished := rec.FinishedAt
		resp.FinishedAt = &finished
	}
	return resp
}

// CreateTaskInput is the multipart input for submitting a task.
type CreateTaskInput struct {
	RawBody multipart.Form
}

// CreateTaskBody is the response body for a submitted task.
type CreateTaskBody struct {
	TaskID string `json:"task_id"`
}

// CreateTaskOutput is the output for submitting a task.
type CreateTaskOutput struct {
	Status int
	Body   CreateTaskBody
}

// GetTaskInput is the input for fetching a single task.
type GetTaskInput struct {
	TaskID string `path:"task_id" doc:"Task ID"`
}

// GetTaskOutput is the output for fetching a single task.
type GetTaskOutput struct {
	Body TaskResponse
}

// ListTasksInput is the input for listing tasks.
type ListTasksInput struct {
	ActiveOnly bool `query:"active_only" doc:"Only return non-terminal tasks"`
}

// ListTasksBody is the response body for listing tasks.
type ListTasksBody struct {
	Tasks []TaskResponse `json:"tasks"`
}

// ListTasksOutput is the output for listing tasks.
type ListTasksOutput struct {
	Body ListTasksBody
}

// CancelTaskOutput is the output for cancelling a task.
type CancelTaskOutput struct {
	Body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
}

// ListHistoryInput is the input for listing archived tasks.
type ListHistoryInput struct {
	Limit  int `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Maximum entries to return"`
	Offset int `query:"offset" default:"0" minimum:"0" doc:"Entries to skip"`
}

// HistoryEntry represents an archived task in API responses.
type HistoryEntry struct {
	TaskID       string    `json:"task_id"`
	FinalStage   string    `json:"final_stage"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ResultPath   string    `json:"result_path,omitempty"`
	Artifacts    int       `json:"artifacts"`
	SubmittedAt  time.Time `json:"submitted_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMs   int64     `json:"duration_ms"`
}

// ListHistoryBody is the response body for listing archived tasks.
type ListHistoryBody struct {
	Entries []HistoryEntry `json:"entries"`
	Total   int64          `json:"total"`
}

// ListHistoryOutput is the output for listing archived tasks.
type ListHistoryOutput struct {
	Body ListHistoryBody
}

// Register registers the task routes with the API.
func (h *TaskHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:      "createTask",
		Method:           "POST",
		Path:             "/api/v1/tasks",
		Summary:          "Submit task",
		Description:      "Submits a portrait image and audio track for video message generation",
		Tags:             []string{"Tasks"},
		DefaultStatus:    http.StatusAccepted,
		RequestBody:      &huma.RequestBody{Content: map[string]*huma.MediaType{"multipart/form-data": {}}},
		SkipValidateBody: true,
	}, h.CreateTask)

	huma.Register(api, huma.Operation{
		OperationID: "getTask",
		Method:      "GET",
		Path:        "/api/v1/tasks/{task_id}",
		Summary:     "Get task",
		Description: "Returns the current state of a task",
		Tags:        []string{"Tasks"},
	}, h.GetTask)

	huma.Register(api, huma.Operation{
		OperationID: "listTasks",
		Method:      "GET",
		Path:        "/api/v1/tasks",
		Summary:     "List tasks",
		Description: "Returns all tasks currently held in the registry",
		Tags:        []string{"Tasks"},
	}, h.ListTasks)

	huma.Register(api, huma.Operation{
		OperationID: "cancelTask",
		Method:      "DELETE",
		Path:        "/api/v1/tasks/{task_id}",
		Summary:     "Cancel task",
		Description: "Requests cancellation of a running task. Cancelling a terminal task is a no-op.",
		Tags:        []string{"Tasks"},
	}, h.CancelTask)

	if h.history != nil {
		huma.Register(api, huma.Operation{
			OperationID: "listTaskHistory",
			Method:      "GET",
			Path:        "/api/v1/tasks/history",
			Summary:     "List task history",
			Description: "Returns archived terminal tasks, newest first",
			Tags:        []string{"Tasks"},
		}, h.ListHistory)
	}
}

// RegisterResultRoute registers the raw result download route on a chi router.
func (h *TaskHandler) RegisterResultRoute(router chi.Router) {
	router.Get("/api/v1/tasks/{task_id}/result", h.ServeResult)
}

// CreateTask validates the multipart form and hands the request to the
// orchestrator.
func (h *TaskHandler) CreateTask(ctx context.Context, input *CreateTaskInput) (*CreateTaskOutput, error) {
	req, err := h.buildRequest(&input.RawBody)
	if err != nil {
		return nil, err
	}

	taskID, err := h.orchestrator.Execute(req)
	if err != nil {
		return nil, h.mapPipelineError(err)
	}

	return &CreateTaskOutput{
		Status: http.StatusAccepted,
		Body:   CreateTaskBody{TaskID: taskID},
	}, nil
}

// buildRequest extracts the image, audio, and engine overrides from the
// multipart form. Content validation proper happens in Request.Validate.
func (h *TaskHandler) buildRequest(form *multipart.Form) (*pipeline.Request, error) {
	req := &pipeline.Request{}

	imageData, imageHeader, err := readFormFile(form, "image")
	if err != nil {
		return nil, huma.Error400BadRequest("image file is required")
	}
	req.ImageData = imageData
	req.ImageName = imageHeader.Filename
	req.ImageContentType = formContentType(imageHeader)

	audioData, audioHeader, err := readFormFile(form, "audio")
	if err != nil {
		return nil, huma.Error400BadRequest("audio file is required")
	}
	req.AudioData = audioData
	req.AudioName = audioHeader.Filename
	req.AudioContentType = formContentType(audioHeader)

	if vals := form.Value["min_confidence"]; len(vals) > 0 && vals[0] != "" {
		conf, err := strconv.ParseFloat(vals[0], 64)
		if err != nil || conf < 0 || conf > 1 {
			return nil, huma.Error400BadRequest("min_confidence must be a number between 0 and 1")
		}
		req.DetectParams.MinConfidence = conf
	}
	if vals := form.Value["feather_px"]; len(vals) > 0 && vals[0] != "" {
		feather, err := strconv.Atoi(vals[0])
		if err != nil || feather < 0 {
			return nil, huma.Error400BadRequest("feather_px must be a non-negative integer")
		}
		req.RemoveParams.FeatherPx = feather
	}

	return req, nil
}

// GetTask returns the current registry snapshot of a task.
func (h *TaskHandler) GetTask(ctx context.Context, input *GetTaskInput) (*GetTaskOutput, error) {
	rec, err := h.registry.Get(input.TaskID)
	if err != nil {
		return nil, huma.Error404NotFound("task not found")
	}
	return &GetTaskOutput{Body: taskFromRecord(rec)}, nil
}

// ListTasks returns every task held in the registry.
func (h *TaskHandler) ListTasks(ctx context.Context, input *ListTasksInput) (*ListTasksOutput, error) {
	records := h.registry.List()

	out := &ListTasksOutput{
		Body: ListTasksBody{Tasks: make([]TaskResponse, 0, len(records))},
	}
	for _, rec := range records {
		if input.ActiveOnly && rec.Terminal() {
			continue
		}
		out.Body.Tasks = append(out.Body.Tasks, taskFromRecord(rec))
	}
	return out, nil
}

// CancelTask requests cancellation. The task settles as canceled
// asynchronously; poll GetTask or the event stream for the outcome.
func (h *TaskHandler) CancelTask(ctx context.Context, input *GetTaskInput) (*CancelTaskOutput, error) {
	if _, err := h.registry.Get(input.TaskID); err != nil {
		return nil, huma.Error404NotFound("task not found")
	}

	h.orchestrator.Cancel(input.TaskID)

	out := &CancelTaskOutput{}
	out.Body.Success = true
	out.Body.Message = "cancellation requested"
	return out, nil
}

// ListHistory returns archived terminal tasks.
func (h *TaskHandler) ListHistory(ctx context.Context, input *ListHistoryInput) (*ListHistoryOutput, error) {
	entries, total, err := h.history.List(ctx, input.Offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing task history: " + err.Error())
	}

	out := &ListHistoryOutput{
		Body: ListHistoryBody{
			Entries: make([]HistoryEntry, 0, len(entries)),
			Total:   total,
		},
	}
	for _, e := range entries {
		out.Body.Entries = append(out.Body.Entries, HistoryEntry{
			TaskID:       e.TaskID.String(),
			FinalStage:   e.FinalStage,
			ErrorKind:    e.ErrorKind,
			ErrorMessage: e.ErrorMessage,
			ResultPath:   e.ResultPath,
			Artifacts:    e.ArtifactCount,
			SubmittedAt:  e.SubmittedAt,
			FinishedAt:   e.FinishedAt,
			DurationMs:   e.DurationMs,
		})
	}
	return out, nil
}

// ServeResult streams the final video artifact of a completed task.
func (h *TaskHandler) ServeResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	rec, err := h.registry.Get(taskID)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if rec.ResultPath == "" {
		http.Error(w, "task has no result", http.StatusConflict)
		return
	}

	data, err := h.store.Get(rec.ResultPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "result no longer available", http.StatusGone)
			return
		}
		h.logger.Error("reading result artifact",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
		http.Error(w, "reading result", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+taskID+`.mp4"`)
	_, _ = w.Write(data)
}

// mapPipelineError converts a classified pipeline failure into the
// matching HTTP error.
func (h *TaskHandler) mapPipelineError(err error) error {
	switch pipeline.KindOf(err) {
	case pipeline.KindInvalidInput:
		return huma.Error400BadRequest(err.Error())
	case pipeline.KindOverloaded:
		return huma.Error429TooManyRequests(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}

func readFormFile(form *multipart.Form, field string) ([]byte, *multipart.FileHeader, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, nil, errors.New("missing form file: " + field)
	}

	header := files[0]
	file, err := header.Open()
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, err
	}
	return data, header, nil
}

func formContentType(header *multipart.FileHeader) string {
	return header.Header.Get("Content-Type")
}
