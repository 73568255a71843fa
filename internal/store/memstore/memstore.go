// Package memstore is an in-memory repository with the same behaviour as the
// PostgreSQL store. It backs the "memory" driver and the service tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/database"
	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/store"
)

type txKey struct{}

type Store struct {
	mu  sync.Mutex
	now func() time.Time
	st  *state
}

type state struct {
	nextID        int64
	users         map[int64]models.User
	verifications []models.MobileVerification
	orders        map[int64]models.Order
	collectors    map[int64][]models.CollectionAssociation
	txns          map[int64]models.Transaction
}

type Option func(*Store)

// WithClock sets the clock used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now: time.Now,
		st: &state{
			users:      make(map[int64]models.User),
			orders:     make(map[int64]models.Order),
			collectors: make(map[int64][]models.CollectionAssociation),
			txns:       make(map[int64]models.Transaction),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (st *state) clone() *state {
	c := &state{
		nextID:        st.nextID,
		users:         make(map[int64]models.User, len(st.users)),
		verifications: append([]models.MobileVerification(nil), st.verifications...),
		orders:        make(map[int64]models.Order, len(st.orders)),
		collectors:    make(map[int64][]models.CollectionAssociation, len(st.collectors)),
		txns:          make(map[int64]models.Transaction, len(st.txns)),
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.collectors {
		c.collectors[k] = append([]models.CollectionAssociation(nil), v...)
	}
	for k, v := range st.txns {
		c.txns[k] = v
	}
	return c
}

func (st *state) id() int64 {
	st.nextID++
	return st.nextID
}

// lock takes the store mutex unless ctx already runs inside InOrderTx.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InOrderTx serializes fn against every other store call and rolls back all
// writes fn made when it returns an error.
func (s *Store) InOrderTx(ctx context.Context, orderID int64, fn func(ctx context.Context, order *models.Order) error) error {
	if ctx.Value(txKey{}) != nil {
		order, ok := s.st.orders[orderID]
		if !ok {
			return apperr.ErrOrderNotFound
		}
		return fn(ctx, &order)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.st.orders[orderID]
	if !ok {
		return apperr.ErrOrderNotFound
	}

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, true), &order); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	defer s.lock(ctx)()

	now := s.now()
	user.ID = s.st.id()
	user.CreatedAt, user.UpdatedAt, user.Version = now, now, 1
	s.st.users[user.ID] = *user
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	defer s.lock(ctx)()

	u, ok := s.st.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) CreateMobileVerification(ctx context.Context, v *models.MobileVerification) error {
	defer s.lock(ctx)()

	v.ID = s.st.id()
	v.CreatedAt = s.now()
	s.st.verifications = append(s.st.verifications, *v)
	return nil
}

func (s *Store) UsersWithVerificationCode(ctx context.Context, code string) ([]models.User, error) {
	defer s.lock(ctx)()

	var users []models.User
	seen := make(map[int64]bool)
	for i := len(s.st.verifications) - 1; i >= 0; i-- {
		v := s.st.verifications[i]
		if v.Code == "" || v.Code != code {
			continue
		}
		for _, u := range s.st.users {
			if u.MobileNumber == v.MobileNumber && !seen[u.ID] {
				seen[u.ID] = true
				users = append(users, u)
			}
		}
	}
	return users, nil
}

func (s *Store) RevokeVerificationCode(ctx context.Context, mobileNumber string) error {
	defer s.lock(ctx)()

	for i := range s.st.verifications {
		if s.st.verifications[i].MobileNumber == mobileNumber {
			s.st.verifications[i].Code = ""
		}
	}
	return nil
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order, collectors []models.CollectionAssociation) error {
	defer s.lock(ctx)()

	if _, ok := s.st.users[order.CustomerUserID]; !ok {
		return apperr.ErrUserNotFound
	}
	for _, c := range collectors {
		if _, ok := s.st.users[c.UserID]; !ok {
			return apperr.ErrUserNotFound
		}
	}

	now := s.now()
	order.ID = s.st.id()
	order.CreatedAt, order.UpdatedAt, order.Version = now, now, 1
	if order.Number == "" {
		order.Number = store.OrderNumber(order.ID)
	}
	s.st.orders[order.ID] = *order

	var assocs []models.CollectionAssociation
	for i := range collectors {
		collectors[i].OrderID = order.ID
		assocs = upsertCollector(assocs, collectors[i])
	}
	s.st.collectors[order.ID] = assocs
	return nil
}

func upsertCollector(list []models.CollectionAssociation, a models.CollectionAssociation) []models.CollectionAssociation {
	for i := range list {
		if list[i].UserID == a.UserID {
			list[i].CanCollect = a.CanCollect
			return list
		}
	}
	return append(list, models.CollectionAssociation{OrderID: a.OrderID, UserID: a.UserID, CanCollect: a.CanCollect})
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	defer s.lock(ctx)()

	o, ok := s.st.orders[id]
	if !ok {
		return nil, apperr.ErrOrderNotFound
	}
	return &o, nil
}

func (s *Store) SaveOrder(ctx context.Context, order *models.Order) error {
	defer s.lock(ctx)()

	stored, ok := s.st.orders[order.ID]
	if !ok || stored.Version != order.Version {
		return database.ErrOptimisticLockFailed
	}

	stored.AmountPaid = order.AmountPaid
	stored.AmountPending = order.AmountPending
	stored.AmountOutstanding = order.AmountOutstanding
	stored.AmountPaidPercentage = order.AmountPaidPercentage
	stored.AmountPendingPercentage = order.AmountPendingPercentage
	stored.AmountOutstandingPercentage = order.AmountOutstandingPercentage
	stored.PaymentStatus = order.PaymentStatus
	stored.Status = order.Status
	stored.CancellationReason = order.CancellationReason
	stored.UpdatedAt = s.now()
	stored.Version++
	s.st.orders[order.ID] = stored

	order.UpdatedAt, order.Version = stored.UpdatedAt, stored.Version
	return nil
}

func (s *Store) DeleteOrder(ctx context.Context, id int64) error {
	defer s.lock(ctx)()

	if _, ok := s.st.orders[id]; !ok {
		return apperr.ErrOrderNotFound
	}
	delete(s.st.orders, id)
	delete(s.st.collectors, id)
	return nil
}

func (s *Store) MarkCollected(ctx context.Context, order *models.Order, verifiedBy, collectedBy models.UserSnapshot, at time.Time) error {
	defer s.lock(ctx)()

	stored, ok := s.st.orders[order.ID]
	if !ok {
		return apperr.ErrOrderNotFound
	}
	if stored.Collection.Verified {
		return apperr.ErrAlreadyCollected
	}

	stored.Status = models.OrderStatusCompleted
	stored.Collection = models.CollectionRecord{
		Verified:    true,
		VerifiedAt:  &at,
		VerifiedBy:  &verifiedBy,
		CollectedBy: &collectedBy,
	}
	stored.UpdatedAt = s.now()
	stored.Version++
	s.st.orders[order.ID] = stored

	*order = stored
	return nil
}

func (s *Store) ListCollectionAssociations(ctx context.Context, orderID int64) ([]models.CollectionAssociation, error) {
	defer s.lock(ctx)()

	return append([]models.CollectionAssociation(nil), s.st.collectors[orderID]...), nil
}

func (s *Store) SaveCollectionCode(ctx context.Context, a *models.CollectionAssociation) error {
	defer s.lock(ctx)()

	list := s.st.collectors[a.OrderID]
	for i := range list {
		if list[i].UserID == a.UserID {
			list[i].Code = a.Code
			list[i].QRCodeURL = a.QRCodeURL
			list[i].ExpiresAt = a.ExpiresAt
			return nil
		}
	}
	return fmt.Errorf("save collection code: no collector %d on order %d", a.UserID, a.OrderID)
}

func (s *Store) ClearCollectionCodes(ctx context.Context, orderID int64) error {
	defer s.lock(ctx)()

	list := s.st.collectors[orderID]
	for i := range list {
		list[i].Code = ""
		list[i].QRCodeURL = ""
		list[i].ExpiresAt = nil
	}
	return nil
}

// violatesPendingIndex mirrors transactions_one_pending_per_payer.
func (st *state) violatesPendingIndex(t *models.Transaction) bool {
	if !t.IsPendingPayment() {
		return false
	}
	for _, other := range st.txns {
		if other.ID != t.ID && other.IsPendingPayment() &&
			other.OwnerType == t.OwnerType && other.OwnerID == t.OwnerID &&
			other.PaidByUserID == t.PaidByUserID {
			return true
		}
	}
	return false
}

func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	defer s.lock(ctx)()

	if t.Initiator == nil {
		return fmt.Errorf("create transaction: missing initiator")
	}
	if _, ok := s.st.users[t.PaidByUserID]; !ok {
		return apperr.ErrUserNotFound
	}
	if s.st.violatesPendingIndex(t) {
		return apperr.ErrDuplicatePendingPayment
	}

	now := s.now()
	t.ID = s.st.id()
	t.CreatedAt, t.UpdatedAt = now, now
	s.st.txns[t.ID] = *t
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	defer s.lock(ctx)()

	t, ok := s.st.txns[id]
	if !ok {
		return nil, apperr.ErrTransactionNotFound
	}
	return &t, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, t *models.Transaction) error {
	defer s.lock(ctx)()

	stored, ok := s.st.txns[t.ID]
	if !ok {
		return apperr.ErrTransactionNotFound
	}

	stored.PaymentStatus = t.PaymentStatus
	stored.Cancelled = t.Cancelled
	stored.CancellationReason = t.CancellationReason
	stored.Description = t.Description
	stored.PaymentMethod = t.PaymentMethod
	stored.PaymentLinkURL = t.PaymentLinkURL
	stored.ProviderReference = t.ProviderReference
	stored.ProviderMetadata = t.ProviderMetadata
	if s.st.violatesPendingIndex(&stored) {
		return apperr.ErrDuplicatePendingPayment
	}

	stored.UpdatedAt = s.now()
	s.st.txns[t.ID] = stored
	t.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id int64) error {
	defer s.lock(ctx)()

	if _, ok := s.st.txns[id]; !ok {
		return apperr.ErrTransactionNotFound
	}
	delete(s.st.txns, id)
	return nil
}

// orderTransactions returns the order's transactions newest first.
func (st *state) orderTransactions(orderID int64, keep func(*models.Transaction) bool) []models.Transaction {
	var out []models.Transaction
	for _, t := range st.txns {
		if t.OwnerType == models.OwnerTypeOrder && t.OwnerID == orderID && keep(&t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Store) ListOrderTransactions(ctx context.Context, orderID int64) ([]models.Transaction, error) {
	defer s.lock(ctx)()

	return s.st.orderTransactions(orderID, func(*models.Transaction) bool { return true }), nil
}

func (s *Store) HasPendingPayment(ctx context.Context, orderID, payerID, excludeID int64) (bool, error) {
	defer s.lock(ctx)()

	pending := s.st.orderTransactions(orderID, func(t *models.Transaction) bool {
		return t.ID != excludeID && t.PaidByUserID == payerID && t.IsPendingPayment()
	})
	return len(pending) > 0, nil
}

func (s *Store) PageTransactions(ctx context.Context, q models.TransactionQuery) (*models.TransactionPage, error) {
	cursor, err := store.DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := store.NormalizeLimit(q.Limit)

	defer s.lock(ctx)()

	txns := s.st.orderTransactions(q.OrderID, func(t *models.Transaction) bool {
		return q.Matches(t) && cursor.After(t.CreatedAt, t.ID)
	})
	if len(txns) > limit+1 {
		txns = txns[:limit+1]
	}
	return store.PageOf(txns, limit), nil
}

func (s *Store) CountTransactions(ctx context.Context, orderID int64) ([]models.FilterCount, error) {
	defer s.lock(ctx)()

	all := s.st.orderTransactions(orderID, func(*models.Transaction) bool { return true })
	counts := make([]models.FilterCount, 0, len(models.TransactionFilters))
	for _, f := range models.TransactionFilters {
		n := 0
		for i := range all {
			if f.Matches(&all[i]) {
				n++
			}
		}
		counts = append(counts, models.FilterCount{Filter: f, Total: n})
	}
	return counts, nil
}
