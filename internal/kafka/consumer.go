package kafka

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler must return nil only when the message was processed and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer fans messages out to a fixed set of workers. Messages with the
// same key always go to the same worker, so per-key order is preserved.
type Consumer struct {
	r       reader
	workers int
	logger  *zap.Logger
}

func NewConsumer(brokers []string, group string, topics []string, workers int, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commits
	})
	return newConsumer(r, workers, logger)
}

func newConsumer(r reader, workers int, logger *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, logger: logger}
}

// Start blocks until ctx is cancelled or fetching fails.
//
// Offsets are committed per partition in fetch order: a partition's offset
// only advances once every earlier message of that partition has been handled.
// A failed message is logged and never committed by itself, but the next
// successful message of its partition commits past it.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	offsets := newOffsetTracker(c.r)
	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				err := h(ctx, m)
				if err != nil {
					c.logger.Error("handle message", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
				}
				if err := offsets.handled(ctx, m, err == nil); err != nil && ctx.Err() == nil {
					c.logger.Warn("commit message", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
				}
			}
		}(lanes[i])
	}
	stop := func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		offsets.fetched(m)
		select {
		case lanes[c.lane(m.Key)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) lane(key []byte) int {
	return int(xxhash.Sum64(key) % uint64(c.workers))
}

type partitionKey struct {
	topic     string
	partition int
}

type partitionOffsets struct {
	pending []int64 // fetched and not yet released, ascending
	done    map[int64]kafka.Message
	last    int64
}

// offsetTracker keeps commits of one partition monotonic while its messages
// are handled out of order by different lanes.
type offsetTracker struct {
	mu    sync.Mutex
	r     reader
	parts map[partitionKey]*partitionOffsets
}

func newOffsetTracker(r reader) *offsetTracker {
	return &offsetTracker{r: r, parts: map[partitionKey]*partitionOffsets{}}
}

func (t *offsetTracker) part(m kafka.Message) *partitionOffsets {
	k := partitionKey{topic: m.Topic, partition: m.Partition}
	p, ok := t.parts[k]
	if !ok {
		p = &partitionOffsets{done: map[int64]kafka.Message{}, last: -1}
		t.parts[k] = p
	}
	return p
}

func (t *offsetTracker) fetched(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.part(m)
	p.pending = append(p.pending, m.Offset)
}

// handled marks m finished and commits the highest offset of its partition
// below which nothing is still in flight. Only a successful message triggers
// a commit.
func (t *offsetTracker) handled(ctx context.Context, m kafka.Message, ok bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.part(m)
	p.done[m.Offset] = m

	var (
		upTo  kafka.Message
		moved bool
	)
	for len(p.pending) > 0 {
		fm, finished := p.done[p.pending[0]]
		if !finished {
			break
		}
		delete(p.done, fm.Offset)
		p.pending = p.pending[1:]
		upTo, moved = fm, true
	}
	if !ok || !moved || upTo.Offset <= p.last {
		return nil
	}
	if err := t.r.CommitMessages(ctx, upTo); err != nil {
		return err
	}
	p.last = upTo.Offset
	return nil
}
