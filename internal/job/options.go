package job

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
)

const (
	MinDPI     = 72
	MaxDPI     = 1200
	DefaultDPI = 300
)

// Options is the parameter bag handed to the conversion pipeline. Keys the
// server does not know are carried in Extra untouched.
type Options struct {
	DPI        int                        `json:"dpi"`
	Deskew     bool                       `json:"deskew"`
	Upscale    bool                       `json:"upscale"`
	OCR        bool                       `json:"ocr"`
	Advanced   bool                       `json:"advanced"`
	MarginTrim bool                       `json:"margin_trim"`
	Grayscale  bool                       `json:"grayscale"`
	Extra      map[string]json.RawMessage `json:"extra,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		DPI:        DefaultDPI,
		Deskew:     true,
		Upscale:    true,
		MarginTrim: true,
	}
}

var knownOptionKeys = map[string]struct{}{
	"dpi": {}, "deskew": {}, "upscale": {}, "ocr": {}, "advanced": {},
	"margin_trim": {}, "grayscale": {}, "extra": {},
}

// ParseOptions decodes a JSON options object on top of the defaults. An
// empty input yields the defaults.
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	if len(strings.TrimSpace(string(data))) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return Options{}, errors.Wrap(apperr.ErrValidation, "options: "+err.Error())
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return Options{}, errors.Wrap(apperr.ErrValidation, "options: "+err.Error())
	}
	for k, v := range all {
		if _, ok := knownOptionKeys[k]; ok {
			continue
		}
		if opts.Extra == nil {
			opts.Extra = make(map[string]json.RawMessage)
		}
		opts.Extra[k] = v
	}
	return opts, opts.Validate()
}

func (o Options) Validate() error {
	if o.DPI < MinDPI || o.DPI > MaxDPI {
		return errors.Wrapf(apperr.ErrValidation, "dpi must be within %d..%d, got %d", MinDPI, MaxDPI, o.DPI)
	}
	return nil
}

func (o Options) Clone() Options {
	c := o
	if o.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(o.Extra))
		for k, v := range o.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}
