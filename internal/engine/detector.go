package engine

import (
	"context"

	"github.com/jmylchreest/avatarr/internal/httpclient"
)

// HTTPDetector is the PersonDetector implementation backed by the
// detection service's HTTP API.
type HTTPDetector struct {
	httpEngine
}

// NewHTTPDetector creates a detector client for the given base URL.
func NewHTTPDetector(baseURL string, client *httpclient.Client) *HTTPDetector {
	return &HTTPDetector{newHTTPEngine("detector", baseURL, client)}
}

type detectRequest struct {
	Image  []byte       `json:"image"`
	Params DetectParams `json:"params"`
}

// Detect locates persons in the image. An empty person set is reported by
// the service as a no_person failure, not an empty success.
func (d *HTTPDetector) Detect(ctx context.Context, image []byte, params DetectParams) (*DetectResult, error) {
	resp, err := d.client.PostJSON(ctx, d.url("/v1/detect"), detectRequest{
		Image:  image,
		Params: params,
	})
	if err != nil {
		return nil, d.wrapTransport(err)
	}

	var result DetectResult
	if err := d.decode(resp, &result); err != nil {
		return nil, err
	}

	// A 200 with an empty person set still counts as no_person.
	if len(result.Persons) == 0 {
		return nil, newError(d.name, KindNoPerson, "detector returned no persons", nil)
	}

	return &result, nil
}

var _ PersonDetector = (*HTTPDetector)(nil)
