package collection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/money"
	"github.com/safar/order-settlement/internal/store/memstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memAssets struct {
	mu        sync.Mutex
	n         int
	files     map[string][]byte
	deleteErr error
}

func (a *memAssets) Store(_ context.Context, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	url := fmt.Sprintf("https://cdn.example.com/qr/%d.png", a.n)
	a.files[url] = data
	return url, nil
}

func (a *memAssets) Delete(_ context.Context, url string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteErr != nil {
		return a.deleteErr
	}
	delete(a.files, url)
	return nil
}

func (a *memAssets) has(url string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.files[url]
	return ok
}

// sequence hands out fixed codes, skipping excluded ones.
type sequence struct {
	codes    []string
	excluded []map[string]bool
}

func (s *sequence) RandomDigits(_ int, exclude map[string]bool) (string, error) {
	s.excluded = append(s.excluded, exclude)
	for len(s.codes) > 0 {
		code := s.codes[0]
		s.codes = s.codes[1:]
		if !exclude[code] {
			return code, nil
		}
	}
	return "", errors.New("out of codes")
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(_ context.Context, _ []int64, e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fixture struct {
	svc    *Service
	repo   *memstore.Store
	clock  *clock
	assets *memAssets
	codes  *sequence
	events *recorder
	logs   *bytes.Buffer

	customer, friend, viewer, staff models.User
	order                           *models.Order
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		clock:  &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		assets: &memAssets{files: make(map[string][]byte)},
		codes:  &sequence{codes: []string{"111111", "222222", "333333", "444444"}},
		events: &recorder{},
		logs:   &bytes.Buffer{},
	}
	f.repo = memstore.New(memstore.WithClock(f.clock.Now))
	f.svc = NewService(f.repo, f.assets,
		WithClock(f.clock.Now),
		WithCodeGenerator(f.codes),
		WithQRRenderer(func(content string) ([]byte, error) { return []byte(content), nil }),
		WithRedemptionURL("https://shop.example.com/orders/%d/collect"),
		WithNotifier(f.events),
		WithLogger(slog.New(slog.NewTextHandler(f.logs, nil))),
	)

	f.customer = models.User{FirstName: "Kabo", LastName: "Moeng", MobileNumber: "+26771000001"}
	f.friend = models.User{FirstName: "Lesedi", MobileNumber: "+26771000002"}
	f.viewer = models.User{FirstName: "Tumi", MobileNumber: "+26771000003"}
	f.staff = models.User{FirstName: "Neo", LastName: "Dube", MobileNumber: "+26771000004"}
	for _, u := range []*models.User{&f.customer, &f.friend, &f.viewer, &f.staff} {
		require.NoError(t, f.repo.CreateUser(ctx, u))
	}

	f.order = &models.Order{
		StoreID:        3,
		CustomerUserID: f.customer.ID,
		GrandTotal:     money.New(5000, "BWP"),
		Status:         models.OrderStatusReadyForPickup,
	}
	require.NoError(t, f.repo.CreateOrder(ctx, f.order, []models.CollectionAssociation{
		{UserID: f.customer.ID, CanCollect: true},
		{UserID: f.friend.ID, CanCollect: true},
		{UserID: f.viewer.ID, CanCollect: false},
	}))
	return f
}

func (f *fixture) association(t *testing.T, userID int64) models.CollectionAssociation {
	t.Helper()
	assocs, err := f.repo.ListCollectionAssociations(context.Background(), f.order.ID)
	require.NoError(t, err)
	for _, a := range assocs {
		if a.UserID == userID {
			return a
		}
	}
	t.Fatalf("no association for user %d", userID)
	return models.CollectionAssociation{}
}

func TestIssue(t *testing.T) {
	f := newFixture(t)

	a, err := f.svc.Issue(context.Background(), f.order.ID, f.customer.ID)
	require.NoError(t, err)

	assert.Equal(t, "111111", a.Code)
	require.NotNil(t, a.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(120*time.Second), *a.ExpiresAt)
	assert.True(t, f.assets.has(a.QRCodeURL))
	assert.Equal(t,
		fmt.Sprintf("https://shop.example.com/orders/%d/collect|111111", f.order.ID),
		string(f.assets.files[a.QRCodeURL]))

	stored := f.association(t, f.customer.ID)
	assert.Equal(t, a.Code, stored.Code)
	assert.Equal(t, a.QRCodeURL, stored.QRCodeURL)
	assert.Equal(t, models.EventCollectionCodeIssued, f.events.events[0].Type)
}

func TestIssueReplacesPreviousCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, f.order.ID, f.customer.ID)
	require.NoError(t, err)
	second, err := f.svc.Issue(ctx, f.order.ID, f.customer.ID)
	require.NoError(t, err)

	assert.Equal(t, "222222", second.Code)
	assert.False(t, f.assets.has(first.QRCodeURL))
	assert.True(t, f.assets.has(second.QRCodeURL))
	assert.True(t, f.codes.excluded[1]["111111"], "codes stored on the order are excluded")
}

func TestIssueCodesAreUniqueWithinOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.codes.codes = []string{"555555", "555555", "666666"}

	a, err := f.svc.Issue(ctx, f.order.ID, f.customer.ID)
	require.NoError(t, err)
	b, err := f.svc.Issue(ctx, f.order.ID, f.friend.ID)
	require.NoError(t, err)

	assert.Equal(t, "555555", a.Code)
	assert.Equal(t, "666666", b.Code)
}

func TestIssueRequiresCollectPermission(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Issue(context.Background(), f.order.ID, f.viewer.ID)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)

	_, err = f.svc.Issue(context.Background(), f.order.ID, f.staff.ID)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	assert.Empty(t, f.assets.files)
}

func TestIssueUnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Issue(context.Background(), 9999, f.customer.ID)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Issue(ctx, f.order.ID, f.customer.ID)
	require.NoError(t, err)
	b, err := f.svc.Issue(ctx, f.order.ID, f.friend.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, f.order.ID, f.friend.ID))

	for _, id := range []int64{f.customer.ID, f.friend.ID} {
		stored := f.association(t, id)
		assert.False(t, stored.HasCode())
		assert.Empty(t, stored.QRCodeURL)
		assert.Nil(t, stored.ExpiresAt)
	}
	assert.False(t, f.assets.has(a.QRCodeURL))
	assert.False(t, f.assets.has(b.QRCodeURL))

	_, err = f.svc.Redeem(ctx, f.order.ID, a.Code, f.staff.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidCode)
}

func TestRevokeRequiresCollectPermission(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Revoke(context.Background(), f.order.ID, f.viewer.ID)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestRevokeLogsAssetFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, f.order.ID, f.customer.ID)
	require.NoError(t, err)

	f.assets.deleteErr = errors.New("bucket unavailable")
	require.NoError(t, f.svc.Revoke(ctx, f.order.ID, f.customer.ID))
	assert.False(t, f.association(t, f.customer.ID).HasCode())
	assert.Contains(t, f.logs.String(), "delete qr code failed")
	assert.Contains(t, f.logs.String(), "bucket unavailable")
}

func TestRedeemOrderCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Issue(ctx, f.order.ID, f.friend.ID)
	require.NoError(t, err)
	f.clock.Advance(119 * time.Second)

	order, err := f.svc.Redeem(ctx, f.order.ID, a.Code, f.staff.ID)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.True(t, order.Collection.Verified)
	require.NotNil(t, order.Collection.VerifiedAt)
	assert.Equal(t, f.clock.Now(), *order.Collection.VerifiedAt)
	assert.Equal(t, &models.UserSnapshot{UserID: f.staff.ID, FirstName: "Neo", LastName: "Dube"}, order.Collection.VerifiedBy)
	assert.Equal(t, &models.UserSnapshot{UserID: f.friend.ID, FirstName: "Lesedi"}, order.Collection.CollectedBy)

	assert.False(t, f.association(t, f.friend.ID).HasCode())
	assert.False(t, f.assets.has(a.QRCodeURL))

	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, models.EventOrderCollected, last.Type)
	assert.Equal(t, models.OrderStatusCompleted, last.OrderStatus)

	stored, err := f.repo.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.True(t, stored.Collection.Verified)
}

func TestRedeemExpiredCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Issue(ctx, f.order.ID, f.customer.ID)
	require.NoError(t, err)
	f.clock.Advance(121 * time.Second)

	_, err = f.svc.Redeem(ctx, f.order.ID, a.Code, f.staff.ID)
	assert.ErrorIs(t, err, apperr.ErrCodeExpired)
	assert.Equal(t, apperr.ClassAccess, apperr.ClassOf(err))

	order, err := f.repo.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.False(t, order.Collection.Verified)
}

func TestRedeemTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Issue(ctx, f.order.ID, f.customer.ID)
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, f.order.ID, a.Code, f.staff.ID)
	require.NoError(t, err)

	_, err = f.svc.Redeem(ctx, f.order.ID, a.Code, f.staff.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyCollected)

	_, err = f.svc.Issue(ctx, f.order.ID, f.customer.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyCollected)
	err = f.svc.Revoke(ctx, f.order.ID, f.customer.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyCollected)
}

func TestRedeemConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Issue(ctx, f.order.ID, f.customer.ID)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		collected int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Redeem(ctx, f.order.ID, a.Code, f.staff.ID)
			if err == nil {
				mu.Lock()
				collected++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, apperr.ErrAlreadyCollected) || errors.Is(err, apperr.ErrInvalidCode), err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, collected)
}

func TestRedeemMobileVerificationCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.CreateMobileVerification(ctx, &models.MobileVerification{
		MobileNumber: f.friend.MobileNumber, Code: "908172",
	}))

	order, err := f.svc.Redeem(ctx, f.order.ID, "908172", f.staff.ID)
	require.NoError(t, err)
	assert.Equal(t, f.friend.ID, order.Collection.CollectedBy.UserID)

	users, err := f.repo.UsersWithVerificationCode(ctx, "908172")
	require.NoError(t, err)
	assert.Empty(t, users, "the verification code is spent")
}

func TestRedeemMobileVerificationCodeWithoutPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.CreateMobileVerification(ctx, &models.MobileVerification{
		MobileNumber: f.viewer.MobileNumber, Code: "424242",
	}))

	_, err := f.svc.Redeem(ctx, f.order.ID, "424242", f.staff.ID)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	assert.NotContains(t, strings.ToLower(err.Error()), "verification")

	users, err := f.repo.UsersWithVerificationCode(ctx, "424242")
	require.NoError(t, err)
	assert.Len(t, users, 1, "a refused code stays usable")
}

func TestRedeemVerificationCodeHeldOutsideOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outsider := &models.User{FirstName: "Mpho", MobileNumber: "+26771000009"}
	require.NoError(t, f.repo.CreateUser(ctx, outsider))
	require.NoError(t, f.repo.CreateMobileVerification(ctx, &models.MobileVerification{
		MobileNumber: outsider.MobileNumber, Code: "777777",
	}))

	_, err := f.svc.Redeem(ctx, f.order.ID, "777777", f.staff.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidCode)

	stored, err := f.repo.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.False(t, stored.Collection.Verified)
}

func TestRedeemUnknownCode(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Redeem(context.Background(), f.order.ID, "000000", f.staff.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidCode)

	_, err = f.svc.Redeem(context.Background(), f.order.ID, "", f.staff.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidCode)
}

func TestRedeemByUnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Redeem(context.Background(), f.order.ID, "111111", 9999)
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
}

func TestIssueStoreFailureLeavesNoCode(t *testing.T) {
	f := newFixture(t)
	f.svc.render = func(string) ([]byte, error) { return nil, errors.New("encoder broke") }

	_, err := f.svc.Issue(context.Background(), f.order.ID, f.customer.ID)
	require.Error(t, err)
	assert.False(t, f.association(t, f.customer.ID).HasCode())
	assert.Empty(t, f.assets.files)
}
