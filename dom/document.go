// Package dom is a minimal, goroutine safe document model for the host page
// and the widget iframe: elements, selectors, event listeners and mutation
// notifications.
package dom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrTimeout is returned when a waited for element does not show up in time.
var ErrTimeout = errors.New("timed out waiting for element")

const emptyPage = "<!DOCTYPE html><html><head></head><body></body></html>"

// Listener handles a dispatched event.
type Listener func(Event)

// Event is an event dispatched on an element.
type Event struct {
	Type   string
	Target *Element
}

// Document is an HTML document.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	body      *html.Node
	listeners map[*html.Node]map[string][]Listener
	observers map[chan struct{}]struct{}
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	d, err := Parse(strings.NewReader(emptyPage))
	if err != nil {
		panic(fmt.Sprintf("parsing empty page: %v", err))
	}
	return d
}

// Parse parses an HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	d := &Document{
		root:      root,
		listeners: make(map[*html.Node]map[string][]Listener),
		observers: make(map[chan struct{}]struct{}),
	}
	d.body = findBody(root)
	if d.body == nil {
		return nil, errors.New("parsing document: no body")
	}
	return d, nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

// Body returns the body element.
func (d *Document) Body() *Element {
	return d.wrap(d.body)
}

// CreateElement creates a detached element.
func (d *Document) CreateElement(tag string) *Element {
	tag = strings.ToLower(tag)
	return d.wrap(&html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	})
}

// GetElementByID returns the attached element with id, or nil.
func (d *Document) GetElementByID(id string) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()

	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return d.wrap(found)
}

// QuerySelector returns the first attached element matching the CSS
// selector, or nil. An invalid selector matches nothing.
func (d *Document) QuerySelector(selector string) *Element {
	all := d.QuerySelectorAll(selector)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// QuerySelectorAll returns every attached element matching the CSS selector
// in document order.
func (d *Document) QuerySelectorAll(selector string) []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes := goquery.NewDocumentFromNode(d.root).Find(selector).Nodes
	els := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		els = append(els, d.wrap(n))
	}
	return els
}

// HTML renders the document.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b bytes.Buffer
	_ = html.Render(&b, d.root)
	return b.String()
}

// Observe returns a channel that receives a value after the document
// changed. Notifications coalesce. The returned func stops the observation.
func (d *Document) Observe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	d.mu.Lock()
	d.observers[ch] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, ch)
			d.mu.Unlock()
		})
	}
}

// notifyLocked tells the observers the document changed. d.mu must be held.
func (d *Document) notifyLocked() {
	for ch := range d.observers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PollOptions bounds WaitForSelector.
type PollOptions struct {
	// Interval between two lookups besides the ones mutations trigger.
	Interval time.Duration
	// Timeout after which ErrTimeout is returned. Zero waits until ctx is
	// done.
	Timeout time.Duration
}

// WaitForSelector waits until an element matching selector is attached.
// It looks again on every mutation and every poll interval, and gives up on
// timeout or when ctx is done.
func (d *Document) WaitForSelector(ctx context.Context, selector string, opts PollOptions) (*Element, error) {
	changed, stop := d.Observe()
	defer stop()

	if el := d.QuerySelector(selector); el != nil {
		return el, nil
	}

	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	tick := time.NewTicker(opts.Interval)
	defer tick.Stop()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case <-changed:
		case <-tick.C:
		case <-timeout:
			return nil, fmt.Errorf("%w %q after %s", ErrTimeout, selector, opts.Timeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %q: %w", selector, ctx.Err())
		}
		if el := d.QuerySelector(selector); el != nil {
			return el, nil
		}
	}
}

func (d *Document) wrap(n *html.Node) *Element {
	if n == nil {
		return nil
	}
	return &Element{doc: d, node: n}
}

// attachedLocked reports whether n is in the document tree.
func (d *Document) attachedLocked(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
