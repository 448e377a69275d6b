package job

import (
	"context"
	"testing"

	"OpenLLM-Core/internal/config"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/observability/alerting"
)

func TestNewStoreAndQueueFromConfig(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, config.SQLConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	sqlStore, err := NewStore(ctx, config.SQLConfig{Driver: "sqlite", DSN: "file:jobconfig?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer sqlStore.Close()
	if _, ok := sqlStore.(*SQLStore); !ok {
		t.Fatalf("expected sql store, got %T", sqlStore)
	}

	queue, err := NewQueue(ctx, config.QueueConfig{}, 1)
	if err != nil {
		t.Fatalf("memory queue: %v", err)
	}
	defer queue.Close()

	if _, err := NewQueue(ctx, config.QueueConfig{Driver: "kafka"}, 1); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for unknown queue, got %v", err)
	}
	if _, err := NewStore(ctx, config.SQLConfig{Driver: "oracle", DSN: "x"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for unknown driver, got %v", err)
	}
}

func TestNewAlerterChannels(t *testing.T) {
	if got := NewAlerter(config.JobsConfig{}).Channels(); len(got) != 1 || got[0] != alerting.ChannelLog {
		t.Fatalf("unexpected channels %v", got)
	}
	got := NewAlerter(config.JobsConfig{AlertWebhook: "http://127.0.0.1:1/hook"}).Channels()
	if len(got) != 2 {
		t.Fatalf("webhook channel not configured: %v", got)
	}
}
