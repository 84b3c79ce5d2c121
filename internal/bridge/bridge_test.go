package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/surface"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) HandleMessage(_ context.Context, msg Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) bodies(sid id.SurfaceID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.msgs {
		if m.Surface == sid {
			out = append(out, m.Body)
		}
	}
	return out
}

func shutdown(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
}

func TestMessagesArriveInOrder(t *testing.T) {
	surfaces := surface.NewMap()
	sid := surfaces.Allocate()
	c := &collector{}
	b := New(c, surfaces)

	require.NoError(t, b.Receive(sid, "app://localhost/", "a"))
	require.NoError(t, b.Receive(sid, "app://localhost/", "b"))
	shutdown(t, b)

	require.Len(t, c.msgs, 2)
	assert.Equal(t, Message{Surface: sid, URL: "app://localhost/", Body: "a", Seq: 1, Received: c.msgs[0].Received}, c.msgs[0])
	assert.Equal(t, "b", c.msgs[1].Body)
	assert.Equal(t, uint64(2), c.msgs[1].Seq)
}

func TestPerSurfaceFIFOUnderLoad(t *testing.T) {
	surfaces := surface.NewMap()
	c := &collector{}
	b := New(c, surfaces)

	sids := []id.SurfaceID{surfaces.Allocate(), surfaces.Allocate(), surfaces.Allocate()}
	var wg sync.WaitGroup
	for _, sid := range sids {
		wg.Add(1)
		go func(sid id.SurfaceID) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = b.Receive(sid, "", fmt.Sprint(i))
			}
		}(sid)
	}
	wg.Wait()
	shutdown(t, b)

	for _, sid := range sids {
		got := c.bodies(sid)
		require.Len(t, got, 200)
		for i, body := range got {
			assert.Equal(t, fmt.Sprint(i), body)
		}
	}
	assert.Equal(t, uint64(600), b.Stats().Delivered)
}

func TestMalformedMessageDropped(t *testing.T) {
	surfaces := surface.NewMap()
	sid := surfaces.Allocate()
	c := &collector{}
	b := New(c, surfaces)

	err := b.Receive(sid, "", "caf\xe9")
	assert.ErrorIs(t, err, types.ErrMalformedBridgeMessage)
	require.NoError(t, b.Receive(sid, "", "next"))
	shutdown(t, b)

	assert.Equal(t, []string{"next"}, c.bodies(sid))
	assert.Equal(t, uint64(1), b.Stats().Malformed)
}

func TestStaleSurfaceDropped(t *testing.T) {
	surfaces := surface.NewMap()
	sid := surfaces.Allocate()
	c := &collector{}
	b := New(c, surfaces)

	surfaces.Retire(sid)
	assert.ErrorIs(t, b.Receive(sid, "", "late"), types.ErrStaleDelivery)
	shutdown(t, b)

	assert.Empty(t, c.msgs)
	assert.Equal(t, uint64(1), b.Stats().Stale)
}

// retireAfterFirstCheck answers the first liveness check with the truth
// and then retires the surface, as a teardown racing Receive would.
type retireAfterFirstCheck struct {
	*surface.Map
	checked bool
}

func (m *retireAfterFirstCheck) IsLive(sid id.SurfaceID) bool {
	live := m.Map.IsLive(sid)
	if !m.checked {
		m.checked = true
		m.Map.Retire(sid)
	}
	return live
}

func TestRetireDuringReceiveDropsMessage(t *testing.T) {
	surfaces := surface.NewMap()
	sid := surfaces.Allocate()
	c := &collector{}
	b := New(c, &retireAfterFirstCheck{Map: surfaces})
	surfaces.OnRetire(func(sid id.SurfaceID) { b.Close(sid) })

	assert.ErrorIs(t, b.Receive(sid, "", "late"), types.ErrStaleDelivery)
	assert.False(t, surfaces.IsLive(sid))
	assert.Zero(t, b.Stats().Mailboxes)
	shutdown(t, b)

	assert.Empty(t, c.bodies(sid))
	assert.Equal(t, uint64(1), b.Stats().Stale)
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	surfaces := surface.NewMap()
	sid := surfaces.Allocate()

	var got []string
	b := New(HandlerFunc(func(_ context.Context, msg Message) {
		if msg.Body == "boom" {
			panic("handler exploded")
		}
		got = append(got, msg.Body)
	}), surfaces)

	require.NoError(t, b.Receive(sid, "", "boom"))
	require.NoError(t, b.Receive(sid, "", "after"))
	shutdown(t, b)

	assert.Equal(t, []string{"after"}, got)
	assert.Equal(t, uint64(1), b.Stats().Panics)
}

func TestRateLimit(t *testing.T) {
	surfaces := surface.NewMap()
	sid := surfaces.Allocate()
	c := &collector{}
	b := New(c, surfaces, WithRateLimit(0.001, 2))

	assert.NoError(t, b.Receive(sid, "", "1"))
	assert.NoError(t, b.Receive(sid, "", "2"))
	assert.ErrorIs(t, b.Receive(sid, "", "3"), ErrRateLimited)

	other := surfaces.Allocate()
	assert.NoError(t, b.Receive(other, "", "x"), "limits are per surface")
	shutdown(t, b)

	assert.Equal(t, []string{"1", "2"}, c.bodies(sid))
}

func TestCloseDrainsQueuedMessages(t *testing.T) {
	surfaces := surface.NewMap()
	sid := surfaces.Allocate()

	release := make(chan struct{})
	c := &collector{}
	b := New(HandlerFunc(func(ctx context.Context, msg Message) {
		<-release
		c.HandleMessage(ctx, msg)
	}), surfaces)

	require.NoError(t, b.Receive(sid, "", "queued-1"))
	require.NoError(t, b.Receive(sid, "", "queued-2"))
	done := b.Close(sid)
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mailbox never drained")
	}
	assert.Equal(t, []string{"queued-1", "queued-2"}, c.bodies(sid))

	select {
	case <-b.Close(sid):
	default:
		t.Fatal("closing an unknown surface should not block")
	}
	shutdown(t, b)
}

func TestSubscribe(t *testing.T) {
	surfaces := surface.NewMap()
	sid := surfaces.Allocate()
	b := New(HandlerFunc(func(context.Context, Message) {}), surfaces)

	tap, cancel := b.Subscribe(8)
	require.NoError(t, b.Receive(sid, "app://localhost/", "hello"))

	select {
	case msg := <-tap:
		assert.Equal(t, "hello", msg.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("tap received nothing")
	}
	assert.Equal(t, 1, b.Stats().Subscribers)

	cancel()
	cancel()
	_, open := <-tap
	assert.False(t, open)
	shutdown(t, b)
}

func TestReceiveAfterShutdown(t *testing.T) {
	surfaces := surface.NewMap()
	sid := surfaces.Allocate()
	b := New(&collector{}, surfaces)
	shutdown(t, b)

	assert.ErrorIs(t, b.Receive(sid, "", "x"), types.ErrStaleDelivery)
}
