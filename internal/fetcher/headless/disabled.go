package headless

import (
	"context"
	"errors"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// ErrBrowserDisabled is returned by Disabled.
var ErrBrowserDisabled = errors.New("browser rendering is disabled")

// Disabled implements crawler.Renderer for deployments without Chrome.
type Disabled struct{}

// NewDisabled creates a Disabled renderer.
func NewDisabled() Disabled {
	return Disabled{}
}

// Render always fails.
func (Disabled) Render(_ context.Context, _ crawler.RenderRequest) (crawler.RenderResult, error) {
	return crawler.RenderResult{}, ErrBrowserDisabled
}
