package kafka

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/segmentio/kafka-go"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
// Pesan yang tidak akan pernah sukses (malformed) sebaiknya di-drop dengan nil.
type Handler func(ctx context.Context, m kafka.Message) error

type commitFunc func(ctx context.Context, msgs ...kafka.Message) error

type Consumer struct {
	r          *kafka.Reader
	workers    int
	log        *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:          r,
		workers:    workers,
		log:        logging.OrDiscard(log),
		minBackoff: 200 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
}

// Start blocks until ctx is cancelled or the reader fails.
// Each topic partition belongs to one worker, so offsets are committed in
// order and a failing message holds back the rest of its partition.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup

	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			c.work(ctx, in, h, c.r.CommitMessages)
		}(jobs[i])
	}

	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			// kecilkan noise saat shutdown
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case jobs[owner(m, c.workers)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// work handles in sequentially. Once ctx is done the remaining messages are
// drained without being handled or committed.
func (c *Consumer) work(ctx context.Context, in <-chan kafka.Message, h Handler, commit commitFunc) {
	for m := range in {
		if ctx.Err() != nil {
			continue
		}
		if !c.handle(ctx, m, h) {
			continue
		}
		if err := commit(ctx, m); err != nil && ctx.Err() == nil {
			// the next commit on this partition covers it
			c.log.Warn("commit failed", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

// handle retries h with capped exponential backoff. It reports false only
// when ctx ended before h succeeded.
func (c *Consumer) handle(ctx context.Context, m kafka.Message, h Handler) bool {
	wait := c.minBackoff
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.log.Warn("handler failed, retrying",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset,
			"attempt", attempt, "retry_in", wait, "err", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

func owner(m kafka.Message, workers int) int {
	return slot([]byte(m.Topic+"/"+strconv.Itoa(m.Partition)), workers)
}

func slot(key []byte, n int) int {
	var h uint32 = 2166136261
	for _, b := range key {
		h ^= uint32(b)
		h *= 16777619
	}
	return int(h % uint32(n))
}
