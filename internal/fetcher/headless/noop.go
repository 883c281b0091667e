package headless

import (
	"context"
	"errors"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

// Noop stands in for the headless engine when browser rendering is disabled.
// Every fetch fails so the dispatcher reports the engine as unavailable
// rather than silently degrading to a static fetch.
type Noop struct{}

// NewNoop creates a Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (Noop) Fetch(_ context.Context, _ scraper.FetchRequest) (scraper.FetchResponse, error) {
	return scraper.FetchResponse{}, errors.New("headless engine not configured")
}

// Engine implements scraper.Fetcher.
func (Noop) Engine() scraper.EngineType {
	return scraper.EngineHeadless
}
