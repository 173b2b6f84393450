package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeReader{msgs: ch}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.committed))
	for _, m := range r.committed {
		out = append(out, m.Offset)
	}
	return out
}

func (r *fakeReader) lastCommitted() int64 {
	offs := r.offsets()
	if len(offs) == 0 {
		return -1
	}
	return offs[len(offs)-1]
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestConsumerKeepsPerKeyOrder(t *testing.T) {
	var msgs []kafka.Message
	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("order-%d", i%3)
		msgs = append(msgs, kafka.Message{Key: []byte(key), Value: []byte(fmt.Sprint(i)), Offset: int64(i)})
	}
	r := newFakeReader(msgs...)
	c := newConsumer(r, 4, nil)

	var mu sync.Mutex
	seen := map[string][]int64{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen[string(m.Key)] = append(seen[string(m.Key)], m.Offset)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return r.lastCommitted() == int64(len(msgs)-1) }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	committed := r.offsets()
	for i := 1; i < len(committed); i++ {
		require.Less(t, committed[i-1], committed[i])
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	for key, offsets := range seen {
		require.Len(t, offsets, 10, key)
		for i := 1; i < len(offsets); i++ {
			require.Less(t, offsets[i-1], offsets[i], key)
		}
	}
	require.True(t, r.closed)
}

func TestConsumerDoesNotCommitFailedMessages(t *testing.T) {
	r := newFakeReader(
		kafka.Message{Key: []byte("a"), Offset: 1},
		kafka.Message{Key: []byte("a"), Offset: 2},
	)
	c := newConsumer(r, 1, nil)

	handled := make(chan int64, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			handled <- m.Offset
			if m.Offset == 1 {
				return errors.New("redis down")
			}
			return nil
		})
	}()

	require.Equal(t, int64(1), <-handled)
	require.Equal(t, int64(2), <-handled)
	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Equal(t, int64(2), r.committed[0].Offset)
}

func TestConsumerLaneIsStable(t *testing.T) {
	c := newConsumer(newFakeReader(), 8, nil)
	for _, key := range []string{"a", "order-1", ""} {
		require.Equal(t, c.lane([]byte(key)), c.lane([]byte(key)))
		require.Less(t, c.lane([]byte(key)), 8)
	}
}

func TestConsumerCommitsPartitionInOffsetOrder(t *testing.T) {
	c := newConsumer(nil, 2, nil)
	slowKey, fastKey := "a", ""
	for i := 0; fastKey == ""; i++ {
		if k := fmt.Sprintf("k-%d", i); c.lane([]byte(k)) != c.lane([]byte(slowKey)) {
			fastKey = k
		}
	}
	r := newFakeReader(
		kafka.Message{Topic: "t", Partition: 0, Key: []byte(slowKey), Offset: 1},
		kafka.Message{Topic: "t", Partition: 0, Key: []byte(fastKey), Offset: 2},
	)
	c.r = r

	release := make(chan struct{})
	fastDone := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			if m.Offset == 1 {
				<-release
				return nil
			}
			close(fastDone)
			return nil
		})
	}()

	<-fastDone
	require.Never(t, func() bool { return r.commits() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []int64{2}, r.offsets())
}

func TestOffsetTrackerSkipsFailedMessageOnNextSuccess(t *testing.T) {
	r := newFakeReader()
	tr := newOffsetTracker(r)
	ctx := context.Background()
	msg := func(off int64) kafka.Message { return kafka.Message{Topic: "t", Partition: 3, Offset: off} }
	for _, off := range []int64{10, 11, 12} {
		tr.fetched(msg(off))
	}

	require.NoError(t, tr.handled(ctx, msg(10), false))
	require.Empty(t, r.offsets())

	require.NoError(t, tr.handled(ctx, msg(12), true))
	require.Empty(t, r.offsets())

	require.NoError(t, tr.handled(ctx, msg(11), true))
	require.Equal(t, []int64{12}, r.offsets())
}
