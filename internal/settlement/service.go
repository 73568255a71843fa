// Package settlement records payments against orders and keeps each order's
// balance and payment status in step with its transactions.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/safar/order-settlement/internal/ledger"
	"github.com/safar/order-settlement/internal/models"
)

// Repository is the storage the engine needs. InOrderTx must lock the order row
// for the duration of fn and commit everything fn writes atomically.
type Repository interface {
	InOrderTx(ctx context.Context, orderID int64, fn func(ctx context.Context, order *models.Order) error) error

	CreateOrder(ctx context.Context, order *models.Order, collectors []models.CollectionAssociation) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	SaveOrder(ctx context.Context, order *models.Order) error
	DeleteOrder(ctx context.Context, id int64) error
	ListCollectionAssociations(ctx context.Context, orderID int64) ([]models.CollectionAssociation, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)

	CreateTransaction(ctx context.Context, t *models.Transaction) error
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, t *models.Transaction) error
	DeleteTransaction(ctx context.Context, id int64) error
	ListOrderTransactions(ctx context.Context, orderID int64) ([]models.Transaction, error)
	HasPendingPayment(ctx context.Context, orderID, payerID, excludeID int64) (bool, error)
	PageTransactions(ctx context.Context, q models.TransactionQuery) (*models.TransactionPage, error)
	CountTransactions(ctx context.Context, orderID int64) ([]models.FilterCount, error)
}

// PaymentProvider is a card or mobile-money gateway.
type PaymentProvider interface {
	CreatePaymentLink(ctx context.Context, t *models.Transaction) (*models.PaymentLink, error)
	CancelPaymentLink(ctx context.Context, t *models.Transaction) error
	VerifyPayment(ctx context.Context, t *models.Transaction, payload []byte) (*models.PaymentVerification, error)
}

// Notifier delivers events after they commit. It must not block.
type Notifier interface {
	Notify(ctx context.Context, recipients []int64, event models.Event)
}

type BalanceCache interface {
	Get(ctx context.Context, orderID int64) (ledger.Summary, bool)
	Set(ctx context.Context, orderID int64, s ledger.Summary)
	Invalidate(ctx context.Context, orderID int64)
}

type Service struct {
	repo            Repository
	providers       map[string]PaymentProvider
	notifier        Notifier
	cache           BalanceCache
	logger          *slog.Logger
	now             func() time.Time
	providerTimeout time.Duration
}

type Option func(*Service)

// WithProvider routes payments made with method through p.
func WithProvider(method string, p PaymentProvider) Option {
	return func(s *Service) { s.providers[method] = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithBalanceCache(c BalanceCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithProviderTimeout bounds every provider call. Zero leaves only the caller's deadline.
func WithProviderTimeout(d time.Duration) Option {
	return func(s *Service) { s.providerTimeout = d }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		providers: make(map[string]PaymentProvider),
		notifier:  nopNotifier{},
		cache:     nopCache{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, []int64, models.Event) {}

type nopCache struct{}

func (nopCache) Get(context.Context, int64) (ledger.Summary, bool) { return ledger.Summary{}, false }
func (nopCache) Set(context.Context, int64, ledger.Summary)        {}
func (nopCache) Invalidate(context.Context, int64)                 {}

func (s *Service) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.providerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.providerTimeout)
}

// recompute rebuilds the order balance from its transactions and saves it.
func (s *Service) recompute(ctx context.Context, order *models.Order) (ledger.Summary, error) {
	txns, err := s.repo.ListOrderTransactions(ctx, order.ID)
	if err != nil {
		return ledger.Summary{}, err
	}

	summary, err := ledger.Summarize(order.GrandTotal, txns)
	if err != nil {
		return ledger.Summary{}, err
	}

	summary.Apply(order)
	if err := s.repo.SaveOrder(ctx, order); err != nil {
		return ledger.Summary{}, err
	}
	return summary, nil
}

// summarize computes the current balance without writing it.
func (s *Service) summarize(ctx context.Context, order *models.Order) (ledger.Summary, error) {
	txns, err := s.repo.ListOrderTransactions(ctx, order.ID)
	if err != nil {
		return ledger.Summary{}, err
	}
	return ledger.Summarize(order.GrandTotal, txns)
}

// audience is everyone who hears about changes to the order.
func (s *Service) audience(ctx context.Context, order *models.Order, extra ...int64) ([]int64, error) {
	assocs, err := s.repo.ListCollectionAssociations(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	seen := map[int64]bool{order.CustomerUserID: true}
	out := []int64{order.CustomerUserID}
	add := func(id int64) {
		if id != 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, a := range assocs {
		add(a.UserID)
	}
	for _, id := range extra {
		add(id)
	}
	return out, nil
}

// committed runs after a mutation of order has been committed.
func (s *Service) committed(ctx context.Context, order *models.Order, recipients []int64, event models.Event) {
	s.cache.Invalidate(ctx, order.ID)

	event.OrderID = order.ID
	event.StoreID = order.StoreID
	event.PaymentStatus = order.PaymentStatus
	event.OrderStatus = order.Status
	event.OccurredAt = s.now()
	s.notifier.Notify(ctx, recipients, event)
}
