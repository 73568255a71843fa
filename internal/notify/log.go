package notify

import (
	"context"
	"log/slog"

	"github.com/safar/order-settlement/internal/models"
)

// LogNotifier writes events to the log. It is used when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, recipients []int64, event models.Event) {
	n.logger.InfoContext(ctx, "event",
		slog.String("event_type", event.Type),
		slog.Int64("order_id", event.OrderID),
		slog.Int64("transaction_id", event.TransactionID),
		slog.Any("recipients", recipients))
}
