package byzcoin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/byzcoin"
	"github.com/ceyhunalp/calypso_client/byzcoin/localtest"
)

func receive(t *testing.T, s *byzcoin.Subscriber) *byzcoin.Block {
	select {
	case b := <-s.Blocks():
		return b
	case <-s.Done():
		t.Fatal("subscription ended:", s.Err())
	case <-time.After(10 * time.Second):
		t.Fatal("no block received")
	}
	return nil
}

// waitStream waits until the dispatcher listens to the nodes.
func waitStream(t *testing.T, env *testEnv, n int) {
	require.Eventually(t, func() bool {
		return env.c.Transport.Streams() == n
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSubscription_Stream(t *testing.T) {
	env := newEnv(t, 4, true)
	s := env.l.Subscribe(20)
	waitStream(t, env, 1)

	for i := 1; i <= 10; i++ {
		env.createBlock(t)
	}
	for i := 1; i <= 10; i++ {
		b := receive(t, s)
		require.Equal(t, i, b.Index)
	}
	require.Equal(t, 10, env.l.Latest().Index)

	s.Unsubscribe()
	require.Equal(t, 0, env.c.Transport.Streams())
	require.NoError(t, s.Err())
	<-s.Done()
}

func TestSubscription_Polling(t *testing.T) {
	env := newEnv(t, 3, true)
	env.c.Set(func(c *localtest.Cluster) { c.NoStream = true })

	var mu sync.Mutex
	var seen []int
	s := env.l.SubscribeFunc(func(b *byzcoin.Block) {
		mu.Lock()
		seen = append(seen, b.Index)
		mu.Unlock()
	})
	defer s.Unsubscribe()

	for i := 0; i < 5; i++ {
		env.createBlock(t)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 10*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, []int{1, 2, 3, 4, 5}, seen)
	mu.Unlock()
	require.Equal(t, 0, env.c.Transport.Streams())
}

func TestSubscription_StartsAfterLatest(t *testing.T) {
	env := newEnv(t, 3, true)
	env.createBlock(t)
	env.createBlock(t)
	_, err := env.l.Refresh(context.Background())
	require.NoError(t, err)

	s := env.l.Subscribe(5)
	defer s.Unsubscribe()
	waitStream(t, env, 1)
	env.createBlock(t)
	require.Equal(t, 3, receive(t, s).Index)
}

func TestSubscription_UnsubscribeInHandler(t *testing.T) {
	env := newEnv(t, 3, true)
	env.c.Set(func(c *localtest.Cluster) { c.NoStream = true })

	var mu sync.Mutex
	var s *byzcoin.Subscriber
	calls := 0
	mu.Lock()
	s = env.l.SubscribeFunc(func(b *byzcoin.Block) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		s.Unsubscribe()
	})
	mu.Unlock()

	env.createBlock(t)
	env.createBlock(t)
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("subscription did not end")
	}
	require.NoError(t, s.Err())

	env.createBlock(t)
	time.Sleep(4 * testInterval)
	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()
}

func TestSubscription_Several(t *testing.T) {
	env := newEnv(t, 3, true)
	s1 := env.l.Subscribe(10)
	s2 := env.l.Subscribe(10)
	waitStream(t, env, 1)

	env.createBlock(t)
	require.Equal(t, 1, receive(t, s1).Index)
	require.Equal(t, 1, receive(t, s2).Index)

	// The dispatcher keeps running for the remaining subscriber.
	s1.Unsubscribe()
	require.Equal(t, 1, env.c.Transport.Streams())
	env.createBlock(t)
	require.Equal(t, 2, receive(t, s2).Index)

	s2.Unsubscribe()
	require.Equal(t, 0, env.c.Transport.Streams())

	// A new subscriber starts a new dispatcher.
	s3 := env.l.Subscribe(10)
	defer s3.Unsubscribe()
	waitStream(t, env, 1)
	env.createBlock(t)
	require.Equal(t, 3, receive(t, s3).Index)
}

func TestSubscription_BrokenChain(t *testing.T) {
	env := newEnv(t, 3, true)
	env.c.Set(func(c *localtest.Cluster) { c.NoStream = true })
	env.c.TamperBlock(env.l.ID(), 2)
	s := env.l.Subscribe(10)
	defer s.Unsubscribe()

	env.createBlock(t)
	env.createBlock(t)
	select {
	case b := <-s.Blocks():
		require.Equal(t, 1, b.Index)
	case <-time.After(10 * time.Second):
		t.Fatal("no block received")
	}
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("subscription did not fail")
	}
	require.True(t, xerrors.Is(s.Err(), byzcoin.ErrChainIntegrity))
}

func TestSubscription_StreamFallback(t *testing.T) {
	env := newEnv(t, 3, true)
	s := env.l.Subscribe(10)
	defer s.Unsubscribe()
	waitStream(t, env, 1)

	// Closing the cluster feeds breaks the stream; the dispatcher then
	// polls.
	env.c.Set(func(c *localtest.Cluster) { c.NoStream = true })
	env.c.CloseStreams(env.l.ID())
	waitStream(t, env, 0)
	env.createBlock(t)
	require.Equal(t, 1, receive(t, s).Index)
}

func TestSubscription_StalledSubscriber(t *testing.T) {
	env := newEnv(t, 3, true)
	release := make(chan struct{})
	var mu sync.Mutex
	var stalled []int
	s1 := env.l.SubscribeFunc(func(b *byzcoin.Block) {
		<-release
		mu.Lock()
		stalled = append(stalled, b.Index)
		mu.Unlock()
	})
	// Nobody reads from s2.
	s2 := env.l.Subscribe(0)
	s3 := env.l.Subscribe(10)
	defer s3.Unsubscribe()
	waitStream(t, env, 1)

	// The others keep receiving while s1 and s2 stall.
	for i := 1; i <= 5; i++ {
		env.createBlock(t)
		require.Equal(t, i, receive(t, s3).Index)
	}

	s2.Unsubscribe()
	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stalled) == 5
	}, 10*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, []int{1, 2, 3, 4, 5}, stalled)
	mu.Unlock()
	s1.Unsubscribe()
	require.NoError(t, s1.Err())

	env.createBlock(t)
	require.Equal(t, 6, receive(t, s3).Index)
}
