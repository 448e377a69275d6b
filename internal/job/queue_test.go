package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"

	xerrors "OpenLLM-Core/internal/errors"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		done = make(chan struct{})
	)
	go func() {
		_ = q.Consume(ctx, 3, func(_ context.Context, id string) error {
			mu.Lock()
			seen[id]++
			if len(seen) == 5 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("jobs were not consumed: %v", seen)
	}
	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s delivered %d times", id, n)
		}
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	_ = q.Close()
	_ = q.Close()
	err := q.Publish(context.Background(), "x")
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure, got %v", err)
	}
	if err := q.Consume(context.Background(), 1, func(context.Context, string) error { return nil }); err != nil {
		t.Fatalf("consume on closed queue should return cleanly, got %v", err)
	}
}

type fakeRedisList struct {
	mu     sync.Mutex
	items  []string
	pushes []string
	popErr error
}

func (f *fakeRedisList) LPush(ctx context.Context, _ string, values ...interface{}) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.items = append([]string{v.(string)}, f.items...)
		f.pushes = append(f.pushes, v.(string))
	}
	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.items)))
	return cmd
}

func (f *fakeRedisList) BRPop(ctx context.Context, _ time.Duration, keys ...string) *goredis.StringSliceCmd {
	cmd := goredis.NewStringSliceCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.popErr != nil {
		cmd.SetErr(f.popErr)
		return cmd
	}
	if len(f.items) == 0 {
		time.Sleep(time.Millisecond)
		cmd.SetErr(goredis.Nil)
		return cmd
	}
	last := f.items[len(f.items)-1]
	f.items = f.items[:len(f.items)-1]
	cmd.SetVal([]string{keys[0], last})
	return cmd
}

func TestRedisQueueFIFOAndRequeue(t *testing.T) {
	list := &fakeRedisList{}
	q := newRedisQueue(list, "", 0)
	if q.queue != "llmcore:jobs" || q.wait != 5*time.Second {
		t.Fatalf("defaults not applied: %s %s", q.queue, q.wait)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"first", "second"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var (
		mu    sync.Mutex
		order []string
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Consume(ctx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, id)
			if id == "first" && len(order) == 1 {
				return errors.New("transient")
			}
			if len(order) == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "first" {
		t.Fatalf("unexpected delivery order %v", order)
	}
	if len(list.pushes) != 3 || list.pushes[2] != "first" {
		t.Fatalf("failed job should be requeued once, got %v", list.pushes)
	}
}

func TestRedisQueueSurfacesPopError(t *testing.T) {
	list := &fakeRedisList{popErr: errors.New("connection refused")}
	q := newRedisQueue(list, "q", time.Millisecond)
	err := q.Consume(context.Background(), 2, func(context.Context, string) error { return nil })
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure, got %v", err)
	}
}

type fakeAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

type fakeChannel struct {
	acker      *fakeAcker
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	tag        uint64
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{acker: &fakeAcker{}, deliveries: make(chan amqp.Delivery, 8)}
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.published = append(c.published, msg)
	c.tag++
	c.deliveries <- amqp.Delivery{Acknowledger: c.acker, DeliveryTag: c.tag, RoutingKey: key, MessageId: msg.MessageId, Body: msg.Body}
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestRabbitMQQueueAckAndNack(t *testing.T) {
	ch := newFakeChannel()
	q := newRabbitMQQueue(ch, "llmcore.jobs")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, "ok"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := q.Publish(ctx, "bad"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := ch.published[0]; msg.DeliveryMode != amqp.Persistent || msg.MessageId != "ok" {
		t.Fatalf("unexpected publishing %+v", msg)
	}

	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, id string) error {
			if id == "bad" {
				return errors.New("boom")
			}
			return nil
		})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ch.acker.mu.Lock()
		settled := len(ch.acker.acked) + len(ch.acker.nacked)
		ch.acker.mu.Unlock()
		if settled == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deliveries were not settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	ch.acker.mu.Lock()
	defer ch.acker.mu.Unlock()
	if len(ch.acker.acked) != 1 || ch.acker.acked[0] != 1 {
		t.Fatalf("expected delivery 1 acked, got %v", ch.acker.acked)
	}
	if len(ch.acker.nacked) != 1 || ch.acker.nacked[0] != 2 {
		t.Fatalf("expected delivery 2 nacked, got %v", ch.acker.nacked)
	}

	_ = q.Close()
	if !ch.closed {
		t.Fatalf("channel should be closed")
	}
}

func TestMemoryQueueCloseUnblocksPublisher(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Publish(context.Background(), "first"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one pending job, got %d", q.Len())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- q.Publish(context.Background(), "second") }()
	time.Sleep(20 * time.Millisecond)
	_ = q.Close()

	select {
	case err := <-errCh:
		if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
			t.Fatalf("blocked publisher should fail with queue failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not unblock the publisher")
	}
}
