package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/stretchr/testify/assert"
)

type sliceHandle struct {
	mu       sync.Mutex
	got      []dispatch.Response
	rejected bool
}

func (h *sliceHandle) Push(resp dispatch.Response) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rejected {
		return false
	}
	h.got = append(h.got, resp)
	return true
}

func TestNotifyRegistered(t *testing.T) {
	r := New()
	h := &sliceHandle{}
	r.Register("a", h)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Notify("a", dispatch.Response{Op: dispatch.OpSet}))
	assert.Len(t, h.got, 1)
}

func TestNotifyUnknown(t *testing.T) {
	r := New()
	assert.False(t, r.Notify("nobody", dispatch.Response{Op: dispatch.OpGet}))
}

func TestNotifyRejected(t *testing.T) {
	r := New()
	r.Register("a", &sliceHandle{rejected: true})
	assert.False(t, r.Notify("a", dispatch.Response{Op: dispatch.OpGet}))
}

func TestRegisterReplaces(t *testing.T) {
	r := New()
	first, second := &sliceHandle{}, &sliceHandle{}
	r.Register("a", first)
	r.Register("a", second)
	assert.Equal(t, 1, r.Len())

	r.Notify("a", dispatch.Response{Op: dispatch.OpSet})
	assert.Empty(t, first.got)
	assert.Len(t, second.got, 1)

	// the replaced connection going away keeps the new one
	r.Deregister("a", first)
	assert.Equal(t, 1, r.Len())
}

func TestDeregisterOnlyOwnHandle(t *testing.T) {
	r := New()
	old, current := &sliceHandle{}, &sliceHandle{}

	r.Register("a", old)
	r.Deregister("a", old)
	assert.Zero(t, r.Len())

	r.Register("a", current)
	r.Deregister("a", old) // stale
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Notify("a", dispatch.Response{Op: dispatch.OpSet}))

	r.Deregister("missing", old)
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("client-%d", i)
			h := &sliceHandle{}
			r.Register(id, h)
			for j := 0; j < 100; j++ {
				r.Notify(id, dispatch.Response{Op: dispatch.OpSet})
			}
			r.Deregister(id, h)
			assert.Len(t, h.got, 100)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}

// funcHandle is a handle of a non-comparable type
type funcHandle func(resp dispatch.Response) bool

func (f funcHandle) Push(resp dispatch.Response) bool { return f(resp) }

func TestDeregisterNonComparableHandle(t *testing.T) {
	r := New()
	h := funcHandle(func(dispatch.Response) bool { return true })
	r.Register("a", h)

	assert.NotPanics(t, func() { r.Deregister("a", h) })
	assert.NotPanics(t, func() { r.Deregister("a", &sliceHandle{}) })
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Notify("a", dispatch.Response{Op: dispatch.OpSet}))
}

func TestSameHandle(t *testing.T) {
	a, b := &sliceHandle{}, &sliceHandle{}
	assert.True(t, sameHandle(a, a))
	assert.False(t, sameHandle(a, b))
	assert.False(t, sameHandle(a, nil))
	assert.False(t, sameHandle(nil, nil))
}
