package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/spdigital/kiosk-zoom/dom"
	"github.com/spdigital/kiosk-zoom/message"
)

func TestToaster(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		toast     message.Toast
		class     string
		iconClass string
	}{
		{name: "dot", toast: message.Toast{Message: "3 call in queue", IconType: message.IconDot}, class: "dot", iconClass: "icon-dot"},
		{name: "spinner", toast: message.Toast{Message: "Call", IconType: message.IconSpinner}, class: "spinner", iconClass: "icon-spinner"},
		{name: "none", toast: message.Toast{Message: "hello", IconType: message.IconNone}},
		{name: "empty", toast: message.Toast{Message: "hello"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			doc := dom.NewDocument()
			toaster := NewToaster(doc, nil)
			id := toaster.Show(tt.toast)

			el := doc.GetElementByID(id)
			require.NotNil(t, el)
			assert.True(t, el.HasClass("toast"))
			assert.Equal(t, tt.toast.Message, el.Text())
			assert.Equal(t, ToastContainerID, el.Parent().ID())

			icon := doc.QuerySelector("#" + id + " .toast-icon")
			if tt.class == "" {
				assert.Nil(t, icon)
				assert.Equal(t, []string{"toast"}, el.ClassList())
				return
			}
			require.NotNil(t, icon)
			assert.True(t, el.HasClass(tt.class))
			assert.True(t, icon.HasClass(tt.iconClass))
		})
	}
}

func TestToasterRemove(t *testing.T) {
	t.Parallel()

	doc := dom.NewDocument()
	toaster := NewToaster(doc, nil)
	container := toaster.EnsureContainer()
	assert.True(t, container.Same(toaster.EnsureContainer()))

	a := toaster.Show(message.Toast{Message: "a", IconType: message.IconSpinner})
	b := toaster.Show(message.Toast{Message: "b", IconType: message.IconSpinner})
	c := toaster.Show(message.Toast{Message: "c", IconType: message.IconDot})
	assert.NotEqual(t, a, b)
	require.Len(t, toaster.Toasts(), 3)

	assert.True(t, toaster.Remove(a))
	assert.False(t, toaster.Remove(a))
	assert.False(t, toaster.Remove(ToastContainerID), "only toasts are removed")

	b2 := toaster.Show(message.Toast{Message: "b2", IconType: message.IconSpinner})
	assert.Equal(t, 2, toaster.RemoveByName(message.IconSpinner))
	assert.Nil(t, doc.GetElementByID(b))
	assert.Nil(t, doc.GetElementByID(b2))
	assert.Zero(t, toaster.RemoveByName(""))
	assert.Zero(t, toaster.RemoveByName("not a class!"))

	require.Len(t, toaster.Toasts(), 1)
	assert.Equal(t, c, toaster.Toasts()[0].ID())
}

func TestToasterNamedToasts(t *testing.T) {
	t.Parallel()

	doc := dom.NewDocument()
	toaster := NewToaster(doc, nil)

	call := toaster.Show(message.Toast{ID: "call", Message: "Call", IconType: message.IconSpinner})
	waiting := toaster.Show(message.Toast{ID: "waiting", Message: "Waiting", IconType: message.IconSpinner})
	assert.Equal(t, "call", call)
	assert.Equal(t, "waiting", waiting)
	require.Len(t, toaster.Toasts(), 2)

	assert.True(t, toaster.Remove("waiting"))
	require.Len(t, toaster.Toasts(), 1)
	assert.Equal(t, "call", toaster.Toasts()[0].ID())

	again := toaster.Show(message.Toast{ID: "call", Message: "Calling", IconType: message.IconSpinner})
	assert.Equal(t, "call", again)
	require.Len(t, toaster.Toasts(), 1, "a toast with a shown id replaces it")
	assert.Equal(t, "Calling", toaster.Toasts()[0].Text())

	taken := toaster.Show(message.Toast{ID: ToastContainerID, Message: "x"})
	assert.NotEqual(t, ToastContainerID, taken)
	assert.NotNil(t, doc.GetElementByID(taken))
}

func TestToasterDuration(t *testing.T) {
	t.Parallel()

	doc := dom.NewDocument()
	toaster := NewToaster(doc, nil)
	short := toaster.Show(message.Toast{Message: "bye", Duration: null.IntFrom(10)})
	kept := toaster.Show(message.Toast{Message: "stay", Duration: null.IntFrom(0)})
	early := toaster.Show(message.Toast{Message: "early", Duration: null.IntFrom(int64(time.Hour / time.Millisecond))})

	require.Eventually(t, func() bool { return doc.GetElementByID(short) == nil }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, doc.GetElementByID(kept))
	assert.True(t, toaster.Remove(early), "removing stops the dismiss timer")
	toaster.mu.Lock()
	assert.Empty(t, toaster.timers)
	toaster.mu.Unlock()
}
