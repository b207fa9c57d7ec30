package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"costwatch-go/internal/domain"
	"costwatch-go/internal/queue"
	"costwatch-go/internal/queue/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func validRecord() domain.UsageRecord {
	return domain.UsageRecord{
		ResourceID:  "vm-42",
		ServiceName: "compute",
		Provider:    "azure",
		Region:      "westeurope",
		Timestamp:   time.Date(2026, 8, 10, 13, 0, 0, 0, time.UTC),
		Amount:      3.27,
		Currency:    "EUR",
	}
}

func TestService_IngestUsage(t *testing.T) {
	msgQueue := memory.NewQueue(100)
	service := NewService(msgQueue, testLogger())

	record := validRecord()
	if err := service.IngestUsage(context.Background(), &record); err != nil {
		t.Fatalf("IngestUsage() error = %v", err)
	}

	if msgQueue.Len() != 1 {
		t.Fatalf("queue should have 1 message, got %d", msgQueue.Len())
	}
}

func TestService_IngestUsage_Invalid(t *testing.T) {
	msgQueue := memory.NewQueue(100)
	service := NewService(msgQueue, testLogger())

	record := validRecord()
	record.ResourceID = ""

	err := service.IngestUsage(context.Background(), &record)
	if !errors.Is(err, domain.ErrEmptyResourceID) {
		t.Errorf("IngestUsage() error = %v, want ErrEmptyResourceID", err)
	}
	if msgQueue.Len() != 0 {
		t.Errorf("invalid record must not be published, queue has %d", msgQueue.Len())
	}
}

func TestService_PartitionKeyIsStablePerResource(t *testing.T) {
	msgQueue := memory.NewQueue(100)
	service := NewService(msgQueue, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := validRecord()
	second := validRecord()
	second.Timestamp = second.Timestamp.Add(time.Hour)
	other := validRecord()
	other.ResourceID = "vm-43"

	_ = service.IngestUsage(ctx, &first)
	_ = service.IngestUsage(ctx, &second)
	_ = service.IngestUsage(ctx, &other)

	keys := make([]string, 0, 3)
	payloads := make([]domain.QueuedUsage, 0, 3)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = msgQueue.Start(ctx, func(ctx context.Context, msg *queue.Message) error {
			keys = append(keys, string(msg.Key))

			var queued domain.QueuedUsage
			if err := json.Unmarshal(msg.Value, &queued); err != nil {
				t.Errorf("payload corrupt: %v", err)
			}
			payloads = append(payloads, queued)

			if len(keys) == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}

	if keys[0] != keys[1] {
		t.Errorf("same resource produced different keys: %q vs %q", keys[0], keys[1])
	}
	if keys[0] == keys[2] {
		t.Error("different resources share a partition key")
	}
	if payloads[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped on the queued record")
	}
	if payloads[0].ResourceID != "vm-42" {
		t.Errorf("payload resource = %q, want vm-42", payloads[0].ResourceID)
	}
}

func TestService_IngestBatch(t *testing.T) {
	msgQueue := memory.NewQueue(100)
	service := NewService(msgQueue, testLogger())

	good := validRecord()
	bad := validRecord()
	bad.ServiceName = ""
	alsoGood := validRecord()
	alsoGood.ResourceID = "vm-43"

	accepted, rejected, err := service.IngestBatch(context.Background(), []domain.UsageRecord{good, bad, alsoGood})
	if err != nil {
		t.Fatalf("IngestBatch() error = %v", err)
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
	if len(rejected) != 1 || !errors.Is(rejected[1], domain.ErrEmptyService) {
		t.Errorf("rejected = %v, want index 1 with ErrEmptyService", rejected)
	}
	if msgQueue.Len() != 2 {
		t.Errorf("queue should have 2 messages, got %d", msgQueue.Len())
	}
}
