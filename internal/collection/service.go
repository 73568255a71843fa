// Package collection runs the one-time code protocol used to hand an order
// over to the customer or someone they allowed to collect it.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/safar/order-settlement/internal/assets"
	"github.com/safar/order-settlement/internal/codegen"
	"github.com/safar/order-settlement/internal/models"
)

const (
	CodeLength     = 6
	DefaultCodeTTL = 120 * time.Second
)

type Repository interface {
	InOrderTx(ctx context.Context, orderID int64, fn func(ctx context.Context, order *models.Order) error) error

	ListCollectionAssociations(ctx context.Context, orderID int64) ([]models.CollectionAssociation, error)
	SaveCollectionCode(ctx context.Context, a *models.CollectionAssociation) error
	ClearCollectionCodes(ctx context.Context, orderID int64) error
	MarkCollected(ctx context.Context, order *models.Order, verifiedBy, collectedBy models.UserSnapshot, at time.Time) error

	GetUser(ctx context.Context, id int64) (*models.User, error)
	UsersWithVerificationCode(ctx context.Context, code string) ([]models.User, error)
	RevokeVerificationCode(ctx context.Context, mobileNumber string) error
}

type CodeGenerator interface {
	RandomDigits(n int, exclude map[string]bool) (string, error)
}

// AssetStore keeps rendered QR images behind a public URL.
type AssetStore interface {
	Store(ctx context.Context, data []byte) (string, error)
	Delete(ctx context.Context, url string) error
}

type Notifier interface {
	Notify(ctx context.Context, recipients []int64, event models.Event)
}

type Service struct {
	repo   Repository
	assets AssetStore
	codes  CodeGenerator
	render func(content string) ([]byte, error)

	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
	ttl           time.Duration
	redemptionURL string
}

type Option func(*Service)

func WithCodeGenerator(g CodeGenerator) Option {
	return func(s *Service) { s.codes = g }
}

func WithQRRenderer(render func(content string) ([]byte, error)) Option {
	return func(s *Service) { s.render = render }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithCodeTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithRedemptionURL sets the URL encoded in QR codes. It is formatted with the order id.
func WithRedemptionURL(format string) Option {
	return func(s *Service) { s.redemptionURL = format }
}

func NewService(repo Repository, store AssetStore, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		assets:        store,
		codes:         codegen.New(),
		render:        assets.RenderQR,
		notifier:      nopNotifier{},
		logger:        slog.Default(),
		now:           time.Now,
		ttl:           DefaultCodeTTL,
		redemptionURL: "/orders/%d/collect",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, []int64, models.Event) {}

func (s *Service) qrContent(orderID int64, code string) string {
	return fmt.Sprintf(s.redemptionURL, orderID) + "|" + code
}

// deleteAssets removes QR images after the codes pointing at them are gone.
// Failures leave an orphaned image behind and are only logged.
func (s *Service) deleteAssets(ctx context.Context, urls []string) {
	for _, url := range urls {
		if url == "" {
			continue
		}
		if err := s.assets.Delete(ctx, url); err != nil {
			s.logger.WarnContext(ctx, "delete qr code failed",
				slog.String("url", url),
				slog.Any("error", err))
		}
	}
}

func (s *Service) notify(ctx context.Context, order *models.Order, recipients []int64, event models.Event) {
	event.OrderID = order.ID
	event.StoreID = order.StoreID
	event.OrderStatus = order.Status
	event.PaymentStatus = order.PaymentStatus
	event.OccurredAt = s.now()
	s.notifier.Notify(ctx, recipients, event)
}

// audience returns the customer followed by every associated user.
func audience(order *models.Order, assocs []models.CollectionAssociation) []int64 {
	out := []int64{order.CustomerUserID}
	for _, a := range assocs {
		if a.UserID != order.CustomerUserID {
			out = append(out, a.UserID)
		}
	}
	return out
}

func findCollector(assocs []models.CollectionAssociation, userID int64) (*models.CollectionAssociation, bool) {
	for i := range assocs {
		if assocs[i].UserID == userID && assocs[i].CanCollect {
			return &assocs[i], true
		}
	}
	return nil, false
}
