package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFeed(t *testing.T) {
	feed := NewFeed[string](false)
	require.NotNil(t, feed)
	assert.Equal(t, 0, feed.SubscriberCount())
	assert.False(t, feed.replay)

	_, ok := feed.Last()
	assert.False(t, ok)
}

func TestFeed_Subscribe_Publish(t *testing.T) {
	feed := NewFeed[int](false)

	var got []int
	unsubscribe := feed.Subscribe(func(v int) { got = append(got, v) })
	assert.Equal(t, 1, feed.SubscriberCount())

	feed.Publish(1)
	feed.Publish(2)
	assert.Equal(t, []int{1, 2}, got)

	unsubscribe()
	assert.Equal(t, 0, feed.SubscriberCount())
	feed.Publish(3)
	assert.Equal(t, []int{1, 2}, got)
}

func TestFeed_SubscribeChan(t *testing.T) {
	feed := NewFeed[string](false)
	ch := make(chan string, 2)
	unsubscribe := feed.SubscribeChan(ch)

	feed.Publish("a")
	select {
	case v := <-ch:
		assert.Equal(t, "a", v)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for value")
	}

	unsubscribe()
	feed.Publish("b")
	select {
	case v := <-ch:
		t.Errorf("unexpected value after unsubscribe: %s", v)
	default:
	}
}

func TestFeed_FullChannelIsSkipped(t *testing.T) {
	feed := NewFeed[int](false)
	full := make(chan int) // unbuffered, nobody reading
	feed.SubscribeChan(full)

	done := make(chan struct{})
	go func() {
		feed.Publish(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full channel")
	}
}

func TestFeed_ReplayLastValue(t *testing.T) {
	feed := NewFeed[int](true)

	var first []int
	feed.Subscribe(func(v int) { first = append(first, v) })
	assert.Empty(t, first, "no replay before anything was published")

	feed.Publish(7)
	feed.Publish(9)

	var late []int
	feed.Subscribe(func(v int) { late = append(late, v) })
	assert.Equal(t, []int{9}, late)

	ch := make(chan int, 1)
	feed.SubscribeChan(ch)
	assert.Equal(t, 9, <-ch)

	last, ok := feed.Last()
	assert.True(t, ok)
	assert.Equal(t, 9, last)
}

func TestFeed_UnsubscribeFromCallback(t *testing.T) {
	feed := NewFeed[int](false)
	calls := 0
	var unsubscribe func()
	unsubscribe = feed.Subscribe(func(int) {
		calls++
		unsubscribe()
	})

	feed.Publish(1)
	feed.Publish(2)
	assert.Equal(t, 1, calls)
}

func TestFeed_ConcurrentPublish(t *testing.T) {
	feed := NewFeed[int](true)
	var mu sync.Mutex
	total := 0
	feed.Subscribe(func(v int) {
		mu.Lock()
		total += v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Publish(1)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 100, total)
}

func TestFeed_NilSubscriberPanics(t *testing.T) {
	feed := NewFeed[int](false)
	assert.Panics(t, func() { feed.Subscribe(nil) })
	assert.Panics(t, func() { feed.SubscribeChan(nil) })
}
