package pdfcheck

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"
)

// Report summarises a structural check of a generated PDF.
type Report struct {
	Pages int `json:"pages"`
	Bytes int `json:"bytes"`
}

func config() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Inspect validates pdf and counts its pages.
func Inspect(pdf []byte) (*Report, error) {
	if len(pdf) == 0 {
		return nil, fmt.Errorf("empty pdf")
	}
	if err := api.Validate(bytes.NewReader(pdf), config()); err != nil {
		return nil, fmt.Errorf("pdf validation failed: %w", err)
	}
	n, err := api.PageCount(bytes.NewReader(pdf), config())
	if err != nil {
		return nil, fmt.Errorf("pdf page count failed: %w", err)
	}
	log.Debug().Int("pages", n).Int("bytes", len(pdf)).Msg("pdf inspected")
	return &Report{Pages: n, Bytes: len(pdf)}, nil
}

// ExpectPages fails unless pdf is valid and has exactly want pages.
func ExpectPages(pdf []byte, want int) (*Report, error) {
	r, err := Inspect(pdf)
	if err != nil {
		return nil, err
	}
	if r.Pages != want {
		return r, fmt.Errorf("pdf has %d pages, want %d", r.Pages, want)
	}
	return r, nil
}
