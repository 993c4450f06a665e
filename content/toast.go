package content

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spdigital/kiosk-zoom/dom"
	"github.com/spdigital/kiosk-zoom/log"
	"github.com/spdigital/kiosk-zoom/message"
)

// ToastContainerID is the id of the element holding the toasts.
const ToastContainerID = "toast-container"

// Toaster shows and removes toasts on a page.
//
// Every toast gets a unique id. Toasts with an icon also carry the icon name
// as a class so that all the toasts of a kind can be removed at once.
type Toaster struct {
	doc    *dom.Document
	logger *log.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewToaster returns a Toaster for doc.
func NewToaster(doc *dom.Document, logger *log.Logger) *Toaster {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Toaster{
		doc:    doc,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// EnsureContainer returns the toast container, creating it if the page has
// none.
func (t *Toaster) EnsureContainer() *dom.Element {
	if c := t.doc.GetElementByID(ToastContainerID); c != nil {
		return c
	}
	c := t.doc.CreateElement("div")
	c.SetID(ToastContainerID)
	t.doc.Body().AppendChild(c)
	return c
}

// Show adds a toast and returns its id, toast.ID when set. A toast with a
// positive duration removes itself once the duration, in milliseconds,
// elapsed.
func (t *Toaster) Show(toast message.Toast) string {
	id := toast.ID
	switch {
	case id == "":
		id = "toast-" + uuid.NewString()
	case t.Remove(id):
		t.logger.Debugf("content:Show", "replacing toast %s", id)
	case t.doc.GetElementByID(id) != nil:
		t.logger.Warnf("content:Show", "id %q is taken by the page", id)
		id = "toast-" + uuid.NewString()
	}

	el := t.doc.CreateElement("div")
	el.SetID(id)
	el.AddClass("toast")
	switch toast.IconType {
	case message.IconDot, message.IconSpinner:
		icon := t.doc.CreateElement("div")
		icon.AddClass("toast-icon", "icon-"+toast.IconType)
		el.AddClass(toast.IconType)
		el.AppendChild(icon)
	}
	msg := t.doc.CreateElement("div")
	msg.SetText(toast.Message)
	el.AppendChild(msg)

	t.EnsureContainer().AppendChild(el)
	t.logger.Debugf("content:Show", "toast %s %q icon %q", id, toast.Message, toast.IconType)

	if toast.Duration.Valid && toast.Duration.Int64 > 0 {
		d := time.Duration(toast.Duration.Int64) * time.Millisecond
		t.mu.Lock()
		t.timers[id] = time.AfterFunc(d, func() { t.Remove(id) })
		t.mu.Unlock()
	}

	return id
}

// Remove removes the toast with id and reports whether it was shown.
func (t *Toaster) Remove(id string) bool {
	t.mu.Lock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	el := t.doc.GetElementByID(id)
	if el == nil || !el.HasClass("toast") {
		return false
	}
	el.Remove()
	return true
}

// RemoveByName removes every toast with the icon name and returns how many
// were removed.
func (t *Toaster) RemoveByName(name string) int {
	if name == "" {
		return 0
	}
	var n int
	for _, el := range t.doc.QuerySelectorAll(".toast." + name) {
		if t.Remove(el.ID()) {
			n++
		}
	}
	return n
}

// Toasts returns the toasts shown, oldest first.
func (t *Toaster) Toasts() []*dom.Element {
	return t.doc.QuerySelectorAll("#" + ToastContainerID + " > .toast")
}
