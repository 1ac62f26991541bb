package engine

import (
	"context"

	"github.com/jmylchreest/avatarr/internal/httpclient"
)

// HTTPRemover is the BackgroundRemover implementation backed by the
// segmentation service's HTTP API.
type HTTPRemover struct {
	httpEngine
}

// NewHTTPRemover creates a remover client for the given base URL.
func NewHTTPRemover(baseURL string, client *httpclient.Client) *HTTPRemover {
	return &HTTPRemover{newHTTPEngine("remover", baseURL, client)}
}

type removeRequest struct {
	Image  []byte       `json:"image"`
	Params RemoveParams `json:"params"`
}

// Remove produces a person cutout with the background removed.
func (r *HTTPRemover) Remove(ctx context.Context, image []byte, params RemoveParams) (*RemoveResult, error) {
	resp, err := r.client.PostJSON(ctx, r.url("/v1/remove"), removeRequest{
		Image:  image,
		Params: params,
	})
	if err != nil {
		return nil, r.wrapTransport(err)
	}

	var result RemoveResult
	if err := r.decode(resp, &result); err != nil {
		return nil, err
	}

	if len(result.MaskedImage) == 0 {
		return nil, newError(r.name, KindEngineError, "remover returned empty image", nil)
	}

	return &result, nil
}

var _ BackgroundRemover = (*HTTPRemover)(nil)
