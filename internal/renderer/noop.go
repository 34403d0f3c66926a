package renderer

import (
	"context"
	"errors"
)

// Noop implements harvest.Renderer but always returns an error to indicate
// that headless rendering is not available in the current build.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// RenderAndExtract returns an error since this is a stub implementation.
func (Noop) RenderAndExtract(_ context.Context, _ string) (string, error) {
	return "", errors.New("headless renderer not configured")
}
