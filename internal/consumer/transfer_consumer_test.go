package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"log/slog"

	"github.com/IBM/sarama"
	"github.com/corebank/settlement/internal/settlement"
	"github.com/corebank/settlement/internal/storage"
	"github.com/corebank/settlement/libs/kafka"
	"github.com/shopspring/decimal"
)

type fakeSettler struct {
	result *settlement.TransferResult
	err    error
	calls  int
	got    settlement.TransferRequest
}

func (f *fakeSettler) Transfer(_ context.Context, req settlement.TransferRequest) (*settlement.TransferResult, error) {
	f.calls++
	f.got = req
	return f.result, f.err
}

type published struct {
	topic string
	key   string
	value any
}

type fakePublisher struct {
	messages []published
	err      error
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.messages = append(f.messages, published{topic: topic, key: key, value: value})
	return 0, 1, nil
}

func (f *fakePublisher) Close() error { return nil }

func newTestConsumer(settler Settler, publisher kafka.Publisher) *TransferConsumer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTransferConsumer(settler, publisher, "transfers.completed", "transfers.rejected", logger)
}

func requestedMessage(t *testing.T, event TransferRequestedEvent) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "transfers.requested", Value: payload}
}

func validRequestedEvent(t *testing.T) TransferRequestedEvent {
	t.Helper()
	envelope, err := kafka.NewEnvelope("transfer.requested", 1, "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return TransferRequestedEvent{
		Envelope:           envelope,
		TransferID:         "transfer-1",
		SourceAccount:      "ACC-A",
		DestinationAccount: "ACC-B",
		Amount:             "100",
		Category:           "TRANSFER",
	}
}

func TestHandleMessagePublishesCompleted(t *testing.T) {
	settler := &fakeSettler{result: &settlement.TransferResult{
		Reference:    "TXN123-ABCDEF01",
		GrossAmount:  decimal.RequireFromString("100"),
		TotalCharges: decimal.RequireFromString("10"),
		NetAmount:    decimal.RequireFromString("90"),
		Status:       storage.TransactionCompleted,
	}}
	publisher := &fakePublisher{}
	tc := newTestConsumer(settler, publisher)

	if err := tc.HandleMessage(context.Background(), requestedMessage(t, validRequestedEvent(t))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !settler.got.Amount.Equal(decimal.RequireFromString("100")) || settler.got.Category != storage.CategoryTransfer {
		t.Fatalf("unexpected settle request %+v", settler.got)
	}

	if len(publisher.messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.topic != "transfers.completed" || msg.key != "transfer-1" {
		t.Fatalf("unexpected publish %+v", msg)
	}
	event, ok := msg.value.(TransferCompletedEvent)
	if !ok {
		t.Fatalf("unexpected event type %T", msg.value)
	}
	if event.Reference != "TXN123-ABCDEF01" || event.NetAmount != "90" {
		t.Fatalf("unexpected completed event %+v", event)
	}
	if event.EventID != kafka.DeterministicEventID("transfer.completed", "transfer-1") {
		t.Fatalf("event id not deterministic: %s", event.EventID)
	}
}

func TestHandleMessagePublishesRejected(t *testing.T) {
	settler := &fakeSettler{err: &settlement.Error{Code: settlement.FailureInsufficientBalance, Message: "no funds"}}
	publisher := &fakePublisher{}
	tc := newTestConsumer(settler, publisher)

	if err := tc.HandleMessage(context.Background(), requestedMessage(t, validRequestedEvent(t))); err != nil {
		t.Fatalf("terminal rejection must be acknowledged, got %v", err)
	}

	if len(publisher.messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.topic != "transfers.rejected" {
		t.Fatalf("expected rejected topic, got %s", msg.topic)
	}
	event, ok := msg.value.(TransferRejectedEvent)
	if !ok {
		t.Fatalf("unexpected event type %T", msg.value)
	}
	if event.Code != string(settlement.FailureInsufficientBalance) {
		t.Fatalf("unexpected rejected event %+v", event)
	}
}

func TestHandleMessageReturnsInfrastructureErrors(t *testing.T) {
	settler := &fakeSettler{err: errors.New("postgres down")}
	tc := newTestConsumer(settler, &fakePublisher{})

	if err := tc.HandleMessage(context.Background(), requestedMessage(t, validRequestedEvent(t))); err == nil {
		t.Fatal("infrastructure error must be returned for redelivery")
	}
}

func TestHandleMessageDropsInvalidEvents(t *testing.T) {
	settler := &fakeSettler{}
	tc := newTestConsumer(settler, &fakePublisher{})

	malformed := &sarama.ConsumerMessage{Topic: "transfers.requested", Value: []byte("{not json")}
	if err := tc.HandleMessage(context.Background(), malformed); err != nil {
		t.Fatalf("malformed payload must be dropped, got %v", err)
	}

	missing := validRequestedEvent(t)
	missing.SourceAccount = ""
	if err := tc.HandleMessage(context.Background(), requestedMessage(t, missing)); err != nil {
		t.Fatalf("invalid event must be dropped, got %v", err)
	}

	badCategory := validRequestedEvent(t)
	badCategory.Category = "GIFT"
	if err := tc.HandleMessage(context.Background(), requestedMessage(t, badCategory)); err != nil {
		t.Fatalf("unknown category must be dropped, got %v", err)
	}

	if settler.calls != 0 {
		t.Fatalf("settler must not run for dropped events, ran %d times", settler.calls)
	}

	negative := validRequestedEvent(t)
	negative.Amount = "-5"
	if err := tc.HandleMessage(context.Background(), requestedMessage(t, negative)); err != nil {
		t.Fatalf("negative amount must be dropped, got %v", err)
	}

	if settler.calls != 0 {
		t.Fatalf("settler must not run for dropped events, ran %d times", settler.calls)
	}
}

func TestHandleMessagePublishFailureIsRetried(t *testing.T) {
	settler := &fakeSettler{result: &settlement.TransferResult{
		Reference:    "TXN123-ABCDEF01",
		GrossAmount:  decimal.RequireFromString("100"),
		TotalCharges: decimal.RequireFromString("0"),
		NetAmount:    decimal.RequireFromString("100"),
		Status:       storage.TransactionCompleted,
	}}
	publisher := &fakePublisher{err: errors.New("broker unavailable")}
	tc := newTestConsumer(settler, publisher)

	if err := tc.HandleMessage(context.Background(), requestedMessage(t, validRequestedEvent(t))); err == nil {
		t.Fatal("publish failure must be returned for redelivery")
	}
}
