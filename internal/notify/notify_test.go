package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FIFO(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()

	for v := int64(1); v <= 3; v++ {
		b.Publish(Notice{Version: v})
	}
	assert.Equal(t, 3, s.Len())

	for v := int64(1); v <= 3; v++ {
		n, ok := s.TryNext()
		require.True(t, ok)
		assert.Equal(t, v, n.Version)
	}
	_, ok := s.TryNext()
	assert.False(t, ok, "queue should be empty")
}

func TestBus_FansOutToEverySubscriber(t *testing.T) {
	b := NewBus()
	a, c := b.Subscribe(), b.Subscribe()
	assert.Equal(t, 2, b.Subscribers())

	b.Publish(Notice{Version: 7, View: "main"})

	for _, s := range []*Subscription{a, c} {
		n, ok := s.TryNext()
		require.True(t, ok)
		assert.Equal(t, "main", n.View)
	}
}

func TestBus_LateSubscriberMissesEarlierNotices(t *testing.T) {
	b := NewBus()
	b.Publish(Notice{Version: 1})
	s := b.Subscribe()
	assert.Equal(t, 0, s.Len())
}

func TestSubscription_NextBlocksUntilPublish(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()

	done := make(chan Notice, 1)
	go func() {
		n, err := s.Next(context.Background())
		if err == nil {
			done <- n
		}
	}()

	time.Sleep(10 * time.Millisecond)
	b.Publish(Notice{Version: 42})

	select {
	case n := <-done:
		assert.Equal(t, int64(42), n.Version)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Publish")
	}
}

func TestSubscription_NextHonorsContext(t *testing.T) {
	s := NewBus().Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscription_CloseDrainsThenErrors(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	b.Publish(Notice{Version: 1})
	s.Close()
	s.Close()

	assert.Equal(t, 0, b.Subscribers())
	b.Publish(Notice{Version: 2})

	n, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Version)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_CloseWakesWaiters(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()

	errc := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the waiter")
	}

	late := b.Subscribe()
	_, err := late.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Notice{Version: int64(j)})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, s.Len())
}
