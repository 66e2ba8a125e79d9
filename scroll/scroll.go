// Package scroll decides when a scrolling viewport should request older history and when it should
// stay pinned to the newest message.
package scroll

import (
	"sync"
)

// DefaultBottomThreshold is how close to the bottom, in viewport units, the viewport must be for new
// messages to keep it pinned there.
const DefaultBottomThreshold = 100

type Config struct {
	// LoadMore is invoked when the viewport reaches the top. It must start the fetch (so that
	// InFlight reports true) before returning, and must not block.
	LoadMore func()

	// InFlight reports whether a history fetch is outstanding.
	InFlight func() bool

	// HasMore reports whether older history may exist.
	HasMore func() bool

	// Threshold is the distance from the top at which more history is requested. Defaults to 0,
	// meaning the viewport has to be scrolled all the way up.
	Threshold float64

	// BottomThreshold defaults to DefaultBottomThreshold.
	BottomThreshold float64
}

// Controller is safe for concurrent use.
type Controller struct {
	config Config

	mu             sync.Mutex
	bottomDistance float64
	rendered       bool
}

func NewController(cfg *Config) *Controller {
	config := *cfg
	if config.BottomThreshold <= 0 {
		config.BottomThreshold = DefaultBottomThreshold
	}
	return &Controller{
		config: config,
	}
}

// OnScrollPositionChanged reports the viewport's distance from the top of the loaded content. It
// returns true if it triggered a fetch. Reports made while a fetch is in flight are ignored, so
// after a trigger nothing happens until the fetch settles and the position is reported again.
func (c *Controller) OnScrollPositionChanged(distanceFromTop float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.InFlight != nil && c.config.InFlight() {
		return false
	} else if distanceFromTop > c.config.Threshold {
		return false
	} else if c.config.HasMore != nil && !c.config.HasMore() {
		return false
	}

	if c.config.LoadMore != nil {
		c.config.LoadMore()
	}
	return true
}

// OnBottomDistanceChanged reports the viewport's distance from the bottom of the loaded content.
func (c *Controller) OnBottomDistanceChanged(distanceFromBottom float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bottomDistance = distanceFromBottom
}

// OnViewUpdated reports that the view was re-rendered with itemCountDelta more items. It returns
// true if the viewport should scroll to the bottom: on the first non-empty render, and when new
// items arrive while the viewport is near the bottom.
func (c *Controller) OnViewUpdated(itemCountDelta int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rendered {
		if itemCountDelta > 0 {
			c.rendered = true
			return true
		}
		return false
	}
	return itemCountDelta > 0 && c.bottomDistance <= c.config.BottomThreshold
}
