package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jmylchreest/avatarr/internal/httpclient"
)

// errorResponse is the error body returned by the engine services.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// httpEngine is the shared base for the HTTP engine clients.
type httpEngine struct {
	name    string
	baseURL string
	client  *httpclient.Client
}

func newHTTPEngine(name, baseURL string, client *httpclient.Client) httpEngine {
	return httpEngine{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (e *httpEngine) url(path string) string {
	return e.baseURL + path
}

// decode reads a response and either decodes the success body into out or
// returns a classified engine error.
func (e *httpEngine) decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return newError(e.name, KindEngineError,
				fmt.Sprintf("decoding response: %v", err), err)
		}
		return nil
	}

	return e.classifyFailure(resp)
}

// classifyFailure maps a non-2xx response to an engine error. The engine
// services report semantic failures as 4xx with an error body naming the
// kind; anything else is an engine fault.
func (e *httpEngine) classifyFailure(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		kind := KindEngineError
		switch Kind(errResp.Error) {
		case KindNoPerson:
			kind = KindNoPerson
		case KindInvalidImage:
			kind = KindInvalidImage
		}
		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		return newError(e.name, kind, msg, nil)
	}

	return newError(e.name, KindEngineError,
		fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
}

// wrapTransport classifies a transport-level failure from the HTTP client.
func (e *httpEngine) wrapTransport(err error) error {
	return newError(e.name, KindEngineError, err.Error(), err)
}
