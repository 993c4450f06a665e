package kiosk

// UIState is what the extension currently shows on a page. It is derived
// from the page every time it is needed and never stored.
type UIState int

// UI states.
const (
	UIHidden UIState = iota
	UIIconShown
	UIWidgetMounted
)

func (s UIState) String() string {
	switch s {
	case UIIconShown:
		return "icon-shown"
	case UIWidgetMounted:
		return "widget-mounted"
	default:
		return "hidden"
	}
}
