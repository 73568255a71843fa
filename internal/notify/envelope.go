// Package notify delivers settlement and collection events to the users of an order.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/safar/order-settlement/internal/models"
)

const EnvelopeVersion = 1

// Envelope is the wire format of every published event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type Payload struct {
	Recipients []int64      `json:"recipients"`
	Event      models.Event `json:"event"`
}

// NewEnvelope wraps event for recipients. The request id on ctx, if any, becomes the trace id.
func NewEnvelope(ctx context.Context, producer string, recipients []int64, event models.Event) (Envelope, error) {
	payload, err := json.Marshal(Payload{Recipients: recipients, Event: event})
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}

	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     event.Type,
		EventVersion:  EnvelopeVersion,
		OccurredAt:    event.OccurredAt.UTC(),
		Producer:      producer,
		TraceID:       middleware.GetReqID(ctx),
		CorrelationID: PartitionKey(event.OrderID),
		Payload:       payload,
	}, nil
}

// PartitionKey keeps every event of one order on the same partition.
func PartitionKey(orderID int64) string {
	return strconv.FormatInt(orderID, 10)
}
