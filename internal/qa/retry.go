package qa

// RetryParams adjust the next rendering attempt.
type RetryParams struct {
	ShortenPrompt   bool `json:"shortenPrompt"`
	DownscaleImages bool `json:"downscaleImages"`
	MaxImageDim     int  `json:"maxImageDim,omitempty"`
}

// DefaultDownscaleDim is the longest edge reference images are reduced to
// on a downscaling retry.
const DefaultDownscaleDim = 1024

// DeriveRetryParams maps violations to retry adjustments:
//
//	color only       downscale, keep the prompt
//	structural       shorten and downscale
//	proportion       shorten
func DeriveRetryParams(violations []Violation) RetryParams {
	var color, structural, proportion bool
	for _, v := range violations {
		switch v.Kind {
		case ViolationColor:
			color = true
		case ViolationStructural:
			structural = true
		case ViolationProportion:
			proportion = true
		}
	}
	var p RetryParams
	if structural {
		p.ShortenPrompt = true
		p.DownscaleImages = true
	}
	if proportion {
		p.ShortenPrompt = true
	}
	if color {
		p.DownscaleImages = true
	}
	if p.DownscaleImages {
		p.MaxImageDim = DefaultDownscaleDim
	}
	return p
}
