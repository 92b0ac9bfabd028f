package domain

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ImageRef points at an image either by URL or by inline bytes.
type ImageRef struct {
	URL  string `json:"url,omitempty"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"-"`
}

// IsZero reports whether the reference carries neither a URL nor bytes.
func (r ImageRef) IsZero() bool {
	return strings.TrimSpace(r.URL) == "" && len(r.Data) == 0
}

// Inline reports whether the image travels as bytes.
func (r ImageRef) Inline() bool { return len(r.Data) > 0 }

// Digest identifies the image content (or its URL when no bytes are held).
func (r ImageRef) Digest() string {
	sum := sha256.New()
	if len(r.Data) > 0 {
		sum.Write(r.Data)
	} else {
		sum.Write([]byte(strings.TrimSpace(r.URL)))
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// DataURI renders inline bytes as a data URI. URL references are returned as-is.
func (r ImageRef) DataURI() string {
	if len(r.Data) == 0 {
		return r.URL
	}
	mime := r.MIME
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(r.Data)
}

var dataURIPattern = regexp.MustCompile(`^data:([a-zA-Z0-9.+/-]+)?(;[a-zA-Z0-9=-]+)*;base64,`)

// ParseImageRef accepts an http(s) URL, a data URI, or bare base64.
func ParseImageRef(raw string) (ImageRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ImageRef{}, errors.New("image reference is empty")
	}
	if loc := dataURIPattern.FindStringSubmatchIndex(raw); loc != nil {
		mime := ""
		if loc[2] >= 0 {
			mime = raw[loc[2]:loc[3]]
		}
		data, err := base64.StdEncoding.DecodeString(raw[loc[1]:])
		if err != nil {
			return ImageRef{}, fmt.Errorf("decode data uri: %w", err)
		}
		return ImageRef{MIME: mime, Data: data}, nil
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			return ImageRef{}, fmt.Errorf("invalid image url %q", raw)
		}
		return ImageRef{URL: parsed.String()}, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return ImageRef{}, errors.New("image must be an http(s) url, a data uri, or base64")
	}
	return ImageRef{Data: data}, nil
}

// Options tune how a run renders its output.
type Options struct {
	OutputSize          string `json:"outputSize,omitempty"`
	BackgroundColor     string `json:"backgroundColor,omitempty"`
	PreserveLabels      bool   `json:"preserveLabels"`
	UseStructuredPrompt bool   `json:"useStructuredPrompt"`
	RenderingBackend    string `json:"renderingBackend,omitempty"`
}

// Request is one ghost-mannequin job. It is treated as immutable once a run
// accepts it.
type Request struct {
	Flatlay ImageRef  `json:"flatlay"`
	OnModel *ImageRef `json:"onModel,omitempty"`
	Options Options   `json:"options"`
}

// HasOnModel reports whether the optional on-model photo was supplied.
func (r Request) HasOnModel() bool {
	return r.OnModel != nil && !r.OnModel.IsZero()
}

var outputSizePattern = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)

// Validate rejects requests that cannot start a run.
func (r Request) Validate() error {
	if r.Flatlay.IsZero() {
		return ErrMissingImage
	}
	if size := strings.TrimSpace(r.Options.OutputSize); size != "" && !outputSizePattern.MatchString(size) {
		return fmt.Errorf("output size %q must look like 2048x2048", size)
	}
	if bg := strings.TrimSpace(r.Options.BackgroundColor); bg != "" {
		if _, ok := NormalizeHex(bg); !ok && !isNamedBackground(bg) {
			return fmt.Errorf("background color %q is not a hex color", bg)
		}
	}
	return nil
}

// Normalize returns a copy of r with defaults applied. Byte slices are
// copied so later mutation by the caller cannot leak into a run.
func (r Request) Normalize(defaultBackend string) Request {
	out := Request{
		Flatlay: cloneRef(r.Flatlay),
		Options: r.Options,
	}
	if r.HasOnModel() {
		ref := cloneRef(*r.OnModel)
		out.OnModel = &ref
	}
	if strings.TrimSpace(out.Options.OutputSize) == "" {
		out.Options.OutputSize = "2048x2048"
	}
	bg := strings.TrimSpace(out.Options.BackgroundColor)
	if hex, ok := NormalizeHex(bg); ok {
		out.Options.BackgroundColor = hex
	} else if named, ok := namedBackgrounds[strings.ToLower(bg)]; ok {
		out.Options.BackgroundColor = named
	} else {
		out.Options.BackgroundColor = "#FFFFFF"
	}
	backend := strings.ToLower(strings.TrimSpace(out.Options.RenderingBackend))
	if backend == "" {
		backend = defaultBackend
	}
	out.Options.RenderingBackend = backend
	return out
}

func cloneRef(ref ImageRef) ImageRef {
	out := ImageRef{URL: strings.TrimSpace(ref.URL), MIME: strings.TrimSpace(ref.MIME)}
	if len(ref.Data) > 0 {
		out.Data = append([]byte(nil), ref.Data...)
	}
	return out
}

var namedBackgrounds = map[string]string{
	"white":     "#FFFFFF",
	"black":     "#000000",
	"lightgray": "#F2F2F2",
	"gray":      "#808080",
}

func isNamedBackground(name string) bool {
	_, ok := namedBackgrounds[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

var hexPattern = regexp.MustCompile(`^#?([0-9a-fA-F]{6}|[0-9a-fA-F]{3})$`)

// NormalizeHex canonicalizes a color to #RRGGBB upper case.
func NormalizeHex(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	m := hexPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	digits := strings.ToUpper(m[1])
	if len(digits) == 3 {
		digits = string([]byte{digits[0], digits[0], digits[1], digits[1], digits[2], digits[2]})
	}
	return "#" + digits, true
}
