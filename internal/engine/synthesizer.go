package engine

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/jmylchreest/avatarr/internal/httpclient"
)

// HTTPSynthesizer is the VideoSynthesizer implementation backed by the
// synthesis service's asynchronous job API.
type HTTPSynthesizer struct {
	httpEngine
}

// NewHTTPSynthesizer creates a synthesizer client for the given base URL.
func NewHTTPSynthesizer(baseURL string, client *httpclient.Client) *HTTPSynthesizer {
	return &HTTPSynthesizer{newHTTPEngine("synthesizer", baseURL, client)}
}

type submitRequest struct {
	Image []byte `json:"image"`
	Audio []byte `json:"audio"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// SubmitJob enqueues a synthesis job and returns its identifier.
func (s *HTTPSynthesizer) SubmitJob(ctx context.Context, image, audio []byte) (string, error) {
	resp, err := s.client.PostJSON(ctx, s.url("/v1/jobs"), submitRequest{
		Image: image,
		Audio: audio,
	})
	if err != nil {
		return "", s.wrapTransport(err)
	}

	var result submitResponse
	if err := s.decode(resp, &result); err != nil {
		return "", err
	}
	if result.JobID == "" {
		return "", newError(s.name, KindEngineError, "synthesizer returned empty job id", nil)
	}

	return result.JobID, nil
}

// PollJob returns the current status of a synthesis job.
func (s *HTTPSynthesizer) PollJob(ctx context.Context, jobID string) (*JobStatus, error) {
	resp, err := s.client.Get(ctx, s.url("/v1/jobs/"+url.PathEscape(jobID)))
	if err != nil {
		return nil, s.wrapTransport(err)
	}

	var status JobStatus
	if err := s.decode(resp, &status); err != nil {
		return nil, err
	}

	switch status.State {
	case JobQueued, JobRunning, JobDone, JobError:
	default:
		return nil, newError(s.name, KindEngineError,
			fmt.Sprintf("unknown job state %q", status.State), nil)
	}

	return &status, nil
}

// FetchResult downloads the finished video artifact. The caller owns the
// returned reader and must close it.
func (s *HTTPSynthesizer) FetchResult(ctx context.Context, resultURL string) (io.ReadCloser, error) {
	target := resultURL
	if u, err := url.Parse(resultURL); err == nil && !u.IsAbs() {
		target = s.baseURL + "/" + strings.TrimPrefix(u.String(), "/")
	}

	resp, err := s.client.Get(ctx, target)
	if err != nil {
		return nil, s.wrapTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, newError(s.name, KindEngineError,
			fmt.Sprintf("fetching result: unexpected status %d", resp.StatusCode), nil)
	}

	return resp.Body, nil
}

var _ VideoSynthesizer = (*HTTPSynthesizer)(nil)
