package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"log/slog"

	"github.com/IBM/sarama"
	"github.com/corebank/settlement/internal/settlement"
	"github.com/corebank/settlement/internal/storage"
	"github.com/corebank/settlement/libs/kafka"
	"github.com/shopspring/decimal"
)

const (
	eventTypeTransferRequested = "transfer.requested"
	eventTypeTransferCompleted = "transfer.completed"
	eventTypeTransferRejected  = "transfer.rejected"
	eventVersion               = 1
)

type TransferRequestedEvent struct {
	kafka.Envelope
	TransferID         string `json:"transfer_id"`
	SourceAccount      string `json:"source_account"`
	DestinationAccount string `json:"destination_account"`
	Amount             string `json:"amount"`
	Category           string `json:"category"`
	Description        string `json:"description,omitempty"`
}

func (e TransferRequestedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.TransferID == "" {
		return fmt.Errorf("transfer_id is required")
	}
	if e.SourceAccount == "" || e.DestinationAccount == "" {
		return fmt.Errorf("source_account and destination_account are required")
	}
	amount, err := decimal.NewFromString(e.Amount)
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("amount must be a positive decimal string")
	}
	return nil
}

type TransferCompletedEvent struct {
	kafka.Envelope
	TransferID   string `json:"transfer_id"`
	Reference    string `json:"reference"`
	GrossAmount  string `json:"gross_amount"`
	TotalCharges string `json:"total_charges"`
	NetAmount    string `json:"net_amount"`
	Status       string `json:"status"`
}

type TransferRejectedEvent struct {
	kafka.Envelope
	TransferID string `json:"transfer_id"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
}

// Settler settles transfers with retry on transient contention.
type Settler interface {
	Transfer(ctx context.Context, req settlement.TransferRequest) (*settlement.TransferResult, error)
}

// TransferConsumer settles transfer requests arriving on Kafka and
// publishes a completed or rejected event per request. Terminal
// rejections are acknowledged; infrastructure errors are returned so the
// message is redelivered.
type TransferConsumer struct {
	settler        Settler
	producer       kafka.Publisher
	completedTopic string
	rejectedTopic  string
	logger         *slog.Logger
}

func NewTransferConsumer(settler Settler, producer kafka.Publisher, completedTopic, rejectedTopic string, logger *slog.Logger) *TransferConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransferConsumer{
		settler:        settler,
		producer:       producer,
		completedTopic: completedTopic,
		rejectedTopic:  rejectedTopic,
		logger:         logger,
	}
}

func (tc *TransferConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event TransferRequestedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		tc.logger.Error("malformed transfer request event, dropping",
			"topic", msg.Topic, "offset", msg.Offset, "error", err)
		return nil
	}
	if err := event.Validate(); err != nil {
		tc.logger.Error("invalid transfer request event, dropping",
			"topic", msg.Topic, "offset", msg.Offset, "transfer_id", event.TransferID, "error", err)
		return nil
	}

	amount, _ := decimal.NewFromString(event.Amount)
	category := storage.CategoryTransfer
	if raw := strings.TrimSpace(event.Category); raw != "" {
		category = storage.Category(strings.ToUpper(raw))
		if !storage.ValidCategory(category) {
			tc.logger.Error("unknown category in transfer request event, dropping",
				"transfer_id", event.TransferID, "category", event.Category)
			return nil
		}
	}

	result, err := tc.settler.Transfer(ctx, settlement.TransferRequest{
		SourceAccount:      event.SourceAccount,
		DestinationAccount: event.DestinationAccount,
		Amount:             amount,
		Category:           category,
		Description:        event.Description,
	})
	if err != nil {
		code, ok := settlement.CodeOf(err)
		if !ok {
			return fmt.Errorf("settle transfer %s: %w", event.TransferID, err)
		}
		return tc.publishRejected(ctx, event, code, err)
	}
	return tc.publishCompleted(ctx, event, result)
}

func (tc *TransferConsumer) publishCompleted(ctx context.Context, req TransferRequestedEvent, result *settlement.TransferResult) error {
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(eventTypeTransferCompleted, req.TransferID),
		eventTypeTransferCompleted, eventVersion, req.EventID)
	if err != nil {
		return err
	}

	event := TransferCompletedEvent{
		Envelope:     envelope,
		TransferID:   req.TransferID,
		Reference:    result.Reference,
		GrossAmount:  result.GrossAmount.String(),
		TotalCharges: result.TotalCharges.String(),
		NetAmount:    result.NetAmount.String(),
		Status:       string(result.Status),
	}
	if _, _, err := tc.producer.PublishJSON(ctx, tc.completedTopic, req.TransferID, event); err != nil {
		return fmt.Errorf("publish transfer completed %s: %w", req.TransferID, err)
	}
	return nil
}

func (tc *TransferConsumer) publishRejected(ctx context.Context, req TransferRequestedEvent, code settlement.FailureCode, cause error) error {
	tc.logger.Warn("transfer rejected",
		"transfer_id", req.TransferID, "code", string(code), "error", cause)

	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(eventTypeTransferRejected, req.TransferID),
		eventTypeTransferRejected, eventVersion, req.EventID)
	if err != nil {
		return err
	}

	event := TransferRejectedEvent{
		Envelope:   envelope,
		TransferID: req.TransferID,
		Code:       string(code),
		Reason:     cause.Error(),
	}
	if _, _, err := tc.producer.PublishJSON(ctx, tc.rejectedTopic, req.TransferID, event); err != nil {
		return fmt.Errorf("publish transfer rejected %s: %w", req.TransferID, err)
	}
	return nil
}
