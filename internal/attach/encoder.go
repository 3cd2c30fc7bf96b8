package attach

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// passthroughEncoder base64-encodes image files as-is. PDF rasterization
// needs an external renderer, so PDFs are rejected here.
type passthroughEncoder struct {
	maxPDFPages int
}

// NewPassthroughEncoder returns the default encoder.
func NewPassthroughEncoder(maxPDFPages int) Encoder {
	return &passthroughEncoder{maxPDFPages: maxPDFPages}
}

func (e *passthroughEncoder) Encode(filename string, data []byte) ([]string, error) {
	if !Allowed(filename) {
		return nil, fmt.Errorf("file type not allowed: %s", filename)
	}
	if strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return nil, fmt.Errorf("pdf rasterization is not available")
	}
	return []string{base64.StdEncoding.EncodeToString(data)}, nil
}
