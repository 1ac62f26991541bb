package pipeline

import (
	"fmt"

	"github.com/jmylchreest/avatarr/internal/config"
	"github.com/jmylchreest/avatarr/internal/engine"
)

// Accepted input content types.
var (
	imageContentTypes = map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/webp": true,
	}
	audioContentTypes = map[string]bool{
		"audio/mpeg":  true,
		"audio/mp3":   true,
		"audio/wav":   true,
		"audio/x-wav": true,
		"audio/ogg":   true,
	}
)

// Request is one video-message generation request: a portrait image and
// an audio track, plus optional engine tuning.
type Request struct {
	ImageData        []byte
	ImageName        string
	ImageContentType string

	AudioData        []byte
	AudioName        string
	AudioContentType string

	DetectParams engine.DetectParams
	RemoveParams engine.RemoveParams
}

// Validate checks declared formats and size caps. Violations surface as
// invalid_input before any task is registered.
func (r *Request) Validate(cfg config.PipelineConfig) error {
	if len(r.ImageData) == 0 {
		return newError(KindInvalidInput, "", "image is required", nil)
	}
	if len(r.AudioData) == 0 {
		return newError(KindInvalidInput, "", "audio is required", nil)
	}

	if !imageContentTypes[r.ImageContentType] {
		return newError(KindInvalidInput, "",
			fmt.Sprintf("unsupported image content type %q", r.ImageContentType), nil)
	}
	if !audioContentTypes[r.AudioContentType] {
		return newError(KindInvalidInput, "",
			fmt.Sprintf("unsupported audio content type %q", r.AudioContentType), nil)
	}

	if maxImage := cfg.MaxImageSize.Bytes(); maxImage > 0 && int64(len(r.ImageData)) > maxImage {
		return newError(KindInvalidInput, "",
			fmt.Sprintf("image exceeds %d byte limit", maxImage), nil)
	}
	if maxAudio := cfg.MaxAudioSize.Bytes(); maxAudio > 0 && int64(len(r.AudioData)) > maxAudio {
		return newError(KindInvalidInput, "",
			fmt.Sprintf("audio exceeds %d byte limit", maxAudio), nil)
	}

	return nil
}
