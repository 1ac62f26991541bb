package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/avatarr/internal/httpclient"
)

func testClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.RetryDelay = time.Millisecond
	return httpclient.New(cfg)
}

func TestDetectorDetect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/detect", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req detectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte("image-bytes"), req.Image)

		json.NewEncoder(w).Encode(DetectResult{
			Persons:        []PersonBox{{X: 10, Y: 20, Width: 100, Height: 200, Confidence: 0.97}},
			SelectedIndex:  0,
			AnnotatedImage: []byte("annotated"),
		})
	}))
	defer server.Close()

	detector := NewHTTPDetector(server.URL, testClient())
	result, err := detector.Detect(context.Background(), []byte("image-bytes"), DetectParams{})
	require.NoError(t, err)

	assert.Len(t, result.Persons, 1)
	assert.Equal(t, 0, result.SelectedIndex)
	assert.Equal(t, []byte("annotated"), result.AnnotatedImage)
}

func TestDetectorNoPerson(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "semantic error response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				json.NewEncoder(w).Encode(errorResponse{Error: "no_person", Message: "no persons found"})
			},
		},
		{
			name: "empty person set",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(DetectResult{Persons: nil})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			detector := NewHTTPDetector(server.URL, testClient())
			_, err := detector.Detect(context.Background(), []byte("img"), DetectParams{})
			require.Error(t, err)

			assert.Equal(t, KindNoPerson, KindOf(err))
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestDetectorInvalidImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(errorResponse{Error: "invalid_image", Message: "corrupt jpeg"})
	}))
	defer server.Close()

	detector := NewHTTPDetector(server.URL, testClient())
	_, err := detector.Detect(context.Background(), []byte("not-an-image"), DetectParams{})
	require.Error(t, err)

	assert.Equal(t, KindInvalidImage, KindOf(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "corrupt jpeg")
}

func TestDetectorEngineFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	detector := NewHTTPDetector(server.URL, testClient())
	_, err := detector.Detect(context.Background(), []byte("img"), DetectParams{})
	require.Error(t, err)

	assert.Equal(t, KindEngineError, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestRemoverRemove(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/remove", r.URL.Path)
		json.NewEncoder(w).Encode(RemoveResult{MaskedImage: []byte("cutout")})
	}))
	defer server.Close()

	remover := NewHTTPRemover(server.URL, testClient())
	result, err := remover.Remove(context.Background(), []byte("img"), RemoveParams{FeatherPx: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte("cutout"), result.MaskedImage)
}

func TestRemoverEmptyResultIsEngineError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RemoveResult{})
	}))
	defer server.Close()

	remover := NewHTTPRemover(server.URL, testClient())
	_, err := remover.Remove(context.Background(), []byte("img"), RemoveParams{})
	require.Error(t, err)
	assert.Equal(t, KindEngineError, KindOf(err))
}

func TestSynthesizerSubmitAndPoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Image)
		assert.NotEmpty(t, req.Audio)
		json.NewEncoder(w).Encode(submitResponse{JobID: "job-42"})
	})
	mux.HandleFunc("GET /v1/jobs/job-42", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JobStatus{State: JobDone, ResultURL: "/results/job-42.mp4"})
	})
	mux.HandleFunc("GET /results/job-42.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	synth := NewHTTPSynthesizer(server.URL, testClient())

	jobID, err := synth.SubmitJob(context.Background(), []byte("img"), []byte("audio"))
	require.NoError(t, err)
	assert.Equal(t, "job-42", jobID)

	status, err := synth.PollJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, JobDone, status.State)
	assert.True(t, status.State.Terminal())

	body, err := synth.FetchResult(context.Background(), status.ResultURL)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestSynthesizerJobErrorState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JobStatus{State: JobError, Error: "render failed"})
	}))
	defer server.Close()

	synth := NewHTTPSynthesizer(server.URL, testClient())
	status, err := synth.PollJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobError, status.State)
	assert.Equal(t, "render failed", status.Error)
}

func TestSynthesizerUnknownState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"state": "exploded"})
	}))
	defer server.Close()

	synth := NewHTTPSynthesizer(server.URL, testClient())
	_, err := synth.PollJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.Equal(t, KindEngineError, KindOf(err))
}

func TestSynthesizerEmptyJobID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{})
	}))
	defer server.Close()

	synth := NewHTTPSynthesizer(server.URL, testClient())
	_, err := synth.SubmitJob(context.Background(), []byte("img"), []byte("audio"))
	require.Error(t, err)
	assert.Equal(t, KindEngineError, KindOf(err))
}
