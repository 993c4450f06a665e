package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Element is an element of a Document. Two Elements wrapping the same node
// are the same element.
type Element struct {
	doc  *Document
	node *html.Node
}

// Same reports whether e and other are the same element.
func (e *Element) Same(other *Element) bool {
	return e != nil && other != nil && e.node == other.node
}

// OwnerDocument returns the document the element belongs to.
func (e *Element) OwnerDocument() *Document {
	return e.doc
}

// TagName returns the lower case tag name.
func (e *Element) TagName() string {
	return e.node.Data
}

// ID returns the id attribute.
func (e *Element) ID() string {
	v, _ := e.Attr("id")
	return v
}

// SetID sets the id attribute.
func (e *Element) SetID(id string) {
	e.SetAttr("id", id)
}

// Attr returns the value of an attribute and whether it is set.
func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	for _, a := range e.node.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr sets an attribute.
func (e *Element) SetAttr(name, value string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	e.setAttrLocked(name, value)
}

func (e *Element) setAttrLocked(name, value string) {
	defer e.notifyLocked()

	for i, a := range e.node.Attr {
		if a.Key == name {
			e.node.Attr[i].Val = value
			return
		}
	}
	e.node.Attr = append(e.node.Attr, html.Attribute{Key: name, Val: value})
}

// ClassList returns the classes of the element.
func (e *Element) ClassList() []string {
	v, _ := e.Attr("class")
	return strings.Fields(v)
}

// HasClass reports whether the element has class c.
func (e *Element) HasClass(c string) bool {
	for _, have := range e.ClassList() {
		if have == c {
			return true
		}
	}
	return false
}

// AddClass adds classes the element does not have yet.
func (e *Element) AddClass(classes ...string) {
	have := e.ClassList()
	for _, c := range classes {
		dup := false
		for _, h := range have {
			if h == c {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, c)
		}
	}
	e.SetAttr("class", strings.Join(have, " "))
}

// Text returns the text content of the element.
func (e *Element) Text() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	var b strings.Builder
	walk(e.node, func(n *html.Node) bool {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		return true
	})
	return b.String()
}

// SetText replaces the children of the element with text.
func (e *Element) SetText(text string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	defer e.notifyLocked()

	for c := e.node.FirstChild; c != nil; {
		next := c.NextSibling
		e.node.RemoveChild(c)
		c = next
	}
	e.node.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

// AppendChild appends child, moving it if it already has a parent.
func (e *Element) AppendChild(child *Element) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	defer e.notifyLocked()

	if child.node.Parent != nil {
		child.node.Parent.RemoveChild(child.node)
	}
	e.node.AppendChild(child.node)
}

// Children returns the element children.
func (e *Element) Children() []*Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	var els []*Element
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			els = append(els, e.doc.wrap(c))
		}
	}
	return els
}

// Parent returns the parent element, or nil.
func (e *Element) Parent() *Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	p := e.node.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return e.doc.wrap(p)
}

// Remove detaches the element from its parent. Removing a detached element
// does nothing.
func (e *Element) Remove() {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	if e.node.Parent == nil {
		return
	}
	attached := e.doc.attachedLocked(e.node)
	e.node.Parent.RemoveChild(e.node)
	if attached {
		e.doc.notifyLocked()
	}
}

// Connected reports whether the element is in the document tree.
func (e *Element) Connected() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	return e.doc.attachedLocked(e.node)
}

// AddEventListener registers l for events of type typ.
func (e *Element) AddEventListener(typ string, l Listener) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	m := e.doc.listeners[e.node]
	if m == nil {
		m = make(map[string][]Listener)
		e.doc.listeners[e.node] = m
	}
	m[typ] = append(m[typ], l)
}

// Dispatch runs the listeners of typ registered on the element, in
// registration order, on the calling goroutine.
func (e *Element) Dispatch(typ string) {
	e.doc.mu.Lock()
	ls := append([]Listener(nil), e.doc.listeners[e.node][typ]...)
	e.doc.mu.Unlock()

	ev := Event{Type: typ, Target: e}
	for _, l := range ls {
		l(ev)
	}
}

// Click dispatches a click event.
func (e *Element) Click() {
	e.Dispatch("click")
}

// OuterHTML renders the element.
func (e *Element) OuterHTML() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	var b strings.Builder
	_ = html.Render(&b, e.node)
	return b.String()
}

// notifyLocked notifies the observers if the element is attached.
func (e *Element) notifyLocked() {
	if e.doc.attachedLocked(e.node) {
		e.doc.notifyLocked()
	}
}
