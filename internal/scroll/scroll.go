// ABOUTME: Scroll anchor controller deciding when the viewport follows new messages
// ABOUTME: One-shot initial scroll, then follow only if the user was at the bottom

// Package scroll decides, after each timeline mutation, whether a viewport
// should jump to the newest message.
//
// The decision is captured when the timeline changes and committed after the
// new timeline has been laid out: call TimelineChanged from the state update
// and AfterRender once the view reflects it.
package scroll

// DefaultTolerance is how many rows from the end still count as "at bottom".
const DefaultTolerance = 1

// Viewport is the scrollable surface the controller drives.
type Viewport interface {
	ScrollToBottom()
}

// Controller tracks the user's reading position for one conversation view.
// It is not safe for concurrent use.
type Controller struct {
	viewport  Viewport
	tolerance int

	atBottom      bool
	initialScroll bool // one-shot latch, set once the first non-empty render scrolled
	follow        bool // a scroll is scheduled for the next AfterRender
	length        int
}

// New creates a Controller. A negative tolerance is treated as zero.
func New(viewport Viewport, tolerance int) *Controller {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Controller{
		viewport:  viewport,
		tolerance: tolerance,
		atBottom:  true,
	}
}

// OnScroll records a manual scroll. offset is the first visible row.
func (c *Controller) OnScroll(offset, viewportHeight, contentHeight int) {
	remaining := contentHeight - (offset + viewportHeight)
	c.atBottom = remaining <= c.tolerance
}

// IsAtBottom reports the last known reading position.
func (c *Controller) IsAtBottom() bool {
	return c.atBottom
}

// TimelineChanged reports the timeline length after a mutation. The follow
// decision uses the reading position from before the mutation.
func (c *Controller) TimelineChanged(n int) {
	if n == c.length {
		return
	}
	c.length = n
	if n == 0 {
		return
	}
	if !c.initialScroll || c.atBottom {
		c.follow = true
	}
}

// AfterRender commits a scheduled scroll. It returns true when the viewport
// was moved.
func (c *Controller) AfterRender() bool {
	if !c.follow {
		return false
	}
	c.follow = false
	c.initialScroll = true
	c.viewport.ScrollToBottom()
	c.atBottom = true
	return true
}

// Reset forgets the reading position, e.g. when the view switches conversations.
func (c *Controller) Reset() {
	c.atBottom = true
	c.initialScroll = false
	c.follow = false
	c.length = 0
}
