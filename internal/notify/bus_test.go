package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []domain.Event
	err    error
	block  chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, event domain.Event) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) received() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) count() int {
	return len(c.received())
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := NewBus(Config{QueueSize: 16, SendTimeout: time.Second}, nil, zerolog.Nop())
	t.Cleanup(b.Close)
	return b
}

func TestConnectDisconnect_RemovesEmptyPaperEntry(t *testing.T) {
	b := newTestBus(t)
	c := newFakeConn("c1")

	b.Connect(c, "p1")
	assert.True(t, b.HasPaper("p1"))
	assert.Equal(t, []string{"c1"}, b.Subscribers("p1"))
	assert.Equal(t, 1, b.ConnectionCount())

	b.Disconnect(c)
	assert.False(t, b.HasPaper("p1"))
	assert.Equal(t, 0, b.ConnectionCount())
}

func TestSubscribeUnsubscribe_RemovesEmptyPaperEntry(t *testing.T) {
	b := newTestBus(t)
	c := newFakeConn("c1")

	b.SubscribeToPaper(c, "p1")
	assert.True(t, b.HasPaper("p1"))
	assert.Equal(t, 0, b.ConnectionCount())

	b.UnsubscribeFromPaper(c, "p1")
	assert.False(t, b.HasPaper("p1"))
}

func TestUnsubscribe_KeepsOtherSubscribers(t *testing.T) {
	b := newTestBus(t)
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")

	b.SubscribeToPaper(c1, "p1")
	b.SubscribeToPaper(c2, "p1")
	b.UnsubscribeFromPaper(c1, "p1")

	assert.Equal(t, []string{"c2"}, b.Subscribers("p1"))
}

func TestUnsubscribe_KeepsGlobalMembership(t *testing.T) {
	b := newTestBus(t)
	c := newFakeConn("c1")

	b.Connect(c, "p1")
	b.UnsubscribeFromPaper(c, "p1")
	assert.False(t, b.HasPaper("p1"))

	b.Broadcast(domain.NewSystemEvent("hello", nil))
	assert.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBroadcastToPaper_OnlySubscribers(t *testing.T) {
	b := newTestBus(t)
	sub := newFakeConn("sub")
	global := newFakeConn("global")
	other := newFakeConn("other")

	b.Connect(sub, "p1")
	b.Connect(global, "")
	b.Connect(other, "p2")

	b.BroadcastToPaper("p1", domain.NewPaperStatusEvent("p1", domain.PaperStatusQueued, "queued", 0, nil))

	assert.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, global.count())
	assert.Zero(t, other.count())
}

func TestBroadcast_AllGlobalConnections(t *testing.T) {
	b := newTestBus(t)
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	paperOnly := newFakeConn("paper-only")

	b.Connect(c1, "")
	b.Connect(c2, "p1")
	b.SubscribeToPaper(paperOnly, "p1")

	b.Broadcast(domain.NewSystemEvent("maintenance", map[string]interface{}{"window": "5m"}))

	assert.Eventually(t, func() bool { return c1.count() == 1 && c2.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, paperOnly.count())
}

func TestSendPersonalMessage(t *testing.T) {
	b := newTestBus(t)
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	b.Connect(c1, "")
	b.Connect(c2, "")

	b.SendPersonalMessage(c1, domain.NewSystemEvent("welcome", nil))
	assert.Eventually(t, func() bool { return c1.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, c2.count())

	unregistered := newFakeConn("direct")
	b.SendPersonalMessage(unregistered, domain.NewSystemEvent("direct", nil))
	assert.Equal(t, 1, unregistered.count())
}

func TestTap_ReceivesEverything(t *testing.T) {
	b := newTestBus(t)
	tap := newFakeConn("tap")
	sub := newFakeConn("sub")
	b.Tap(tap)
	b.Connect(sub, "p1")

	b.BroadcastToPaper("p1", domain.NewPaperStatusEvent("p1", domain.PaperStatusProcessing, "", 0, nil))
	b.Broadcast(domain.NewSystemEvent("hello", nil))

	assert.Eventually(t, func() bool { return tap.count() == 2 && sub.count() == 2 }, time.Second, 5*time.Millisecond)

	b.Disconnect(tap)
	b.BroadcastToPaper("p1", domain.NewPaperStatusEvent("p1", domain.PaperStatusFailed, "", 0, nil))
	assert.Eventually(t, func() bool { return sub.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, tap.count())
}

func TestDeliveryFailure_DoesNotAffectOthers(t *testing.T) {
	b := newTestBus(t)
	bad := newFakeConn("bad")
	bad.err = errors.New("broken pipe")
	good := newFakeConn("good")
	b.Connect(bad, "p1")
	b.Connect(good, "p1")

	assert.NotPanics(t, func() {
		b.BroadcastToPaper("p1", domain.NewErrorEvent("stage failed", "permanent", nil).ForPaper("p1"))
	})
	assert.Eventually(t, func() bool { return good.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPerConnectionOrder(t *testing.T) {
	b := newTestBus(t)
	c := newFakeConn("c1")
	b.Connect(c, "p1")

	for i := 0; i < 10; i++ {
		b.BroadcastToPaper("p1", domain.NewPaperStatusEvent("p1", domain.PaperStatusProcessing, fmt.Sprintf("step %d", i), i*10, nil))
	}

	require.Eventually(t, func() bool { return c.count() == 10 }, time.Second, 5*time.Millisecond)
	for i, e := range c.received() {
		assert.Equal(t, fmt.Sprintf("step %d", i), e.Data.Message)
	}
}

func TestSlowConnection_DoesNotBlockPublisher(t *testing.T) {
	metrics := observability.NewMetrics("notify_test_slow")
	b := NewBus(Config{QueueSize: 2, SendTimeout: time.Second}, metrics, zerolog.Nop())
	slow := newFakeConn("slow")
	slow.block = make(chan struct{})
	fast := newFakeConn("fast")
	b.Connect(slow, "")
	b.Connect(fast, "")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			b.Broadcast(domain.NewSystemEvent("tick", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked by slow connection")
	}
	assert.Greater(t, testutil.ToFloat64(metrics.BusEventsDropped), float64(0))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.BusConnections))

	close(slow.block)
	b.Close()
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.BusConnections))
}

func TestConcurrentSubscriptions(t *testing.T) {
	b := newTestBus(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			paper := fmt.Sprintf("p%d", i%5)
			b.Connect(c, paper)
			b.BroadcastToPaper(paper, domain.NewSystemEvent("x", nil))
			b.Disconnect(c)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		assert.False(t, b.HasPaper(fmt.Sprintf("p%d", i)))
	}
	assert.Equal(t, 0, b.ConnectionCount())
}

func TestClosedBus_IgnoresNewConnections(t *testing.T) {
	b := NewBus(DefaultConfig(), nil, zerolog.Nop())
	b.Close()

	c := newFakeConn("late")
	b.Connect(c, "p1")
	assert.False(t, b.HasPaper("p1"))
	assert.Equal(t, 0, b.ConnectionCount())
}
