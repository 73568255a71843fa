package collection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/models"
)

const accessDeniedMsg = "You do not have permission to collect this order"

// Issue gives the collector a fresh code for the order, replacing any code they held.
func (s *Service) Issue(ctx context.Context, orderID, collectorUserID int64) (*models.CollectionAssociation, error) {
	var (
		issued   models.CollectionAssociation
		previous string
		order    models.Order
		stored   []string
	)
	err := s.repo.InOrderTx(ctx, orderID, func(ctx context.Context, o *models.Order) error {
		if o.Collection.Verified {
			return apperr.ErrAlreadyCollected
		}

		assocs, err := s.repo.ListCollectionAssociations(ctx, o.ID)
		if err != nil {
			return err
		}
		collector, ok := findCollector(assocs, collectorUserID)
		if !ok {
			return apperr.ErrAccessDenied.Withf(accessDeniedMsg)
		}

		exclude := make(map[string]bool, len(assocs))
		for _, a := range assocs {
			if a.HasCode() {
				exclude[a.Code] = true
			}
		}
		code, err := s.codes.RandomDigits(CodeLength, exclude)
		if err != nil {
			return fmt.Errorf("generate collection code: %w", err)
		}

		png, err := s.render(s.qrContent(o.ID, code))
		if err != nil {
			return err
		}
		url, err := s.assets.Store(ctx, png)
		if err != nil {
			return fmt.Errorf("store qr code: %w", err)
		}
		stored = append(stored, url)

		expires := s.now().Add(s.ttl)
		previous = collector.QRCodeURL
		collector.Code = code
		collector.QRCodeURL = url
		collector.ExpiresAt = &expires
		if err := s.repo.SaveCollectionCode(ctx, collector); err != nil {
			return err
		}

		issued, order = *collector, *o
		return nil
	})

	// Images from rolled back attempts are never referenced.
	var orphans []string
	for _, url := range stored {
		if err != nil || url != issued.QRCodeURL {
			orphans = append(orphans, url)
		}
	}
	s.deleteAssets(ctx, orphans)
	if err != nil {
		return nil, err
	}

	s.deleteAssets(ctx, []string{previous})
	s.logger.InfoContext(ctx, "collection code issued",
		slog.Int64("order_id", orderID),
		slog.Int64("collector_id", collectorUserID),
		slog.Time("expires_at", *issued.ExpiresAt))
	s.notify(ctx, &order, []int64{collectorUserID}, models.Event{
		Type:        models.EventCollectionCodeIssued,
		ActorUserID: collectorUserID,
	})
	return &issued, nil
}

// Revoke clears every code on the order.
func (s *Service) Revoke(ctx context.Context, orderID, collectorUserID int64) error {
	var (
		urls  []string
		order models.Order
	)
	err := s.repo.InOrderTx(ctx, orderID, func(ctx context.Context, o *models.Order) error {
		if o.Collection.Verified {
			return apperr.ErrAlreadyCollected
		}

		assocs, err := s.repo.ListCollectionAssociations(ctx, o.ID)
		if err != nil {
			return err
		}
		if _, ok := findCollector(assocs, collectorUserID); !ok {
			return apperr.ErrAccessDenied.Withf(accessDeniedMsg)
		}

		urls = qrURLs(assocs)
		order = *o
		return s.repo.ClearCollectionCodes(ctx, o.ID)
	})
	if err != nil {
		return err
	}

	s.deleteAssets(ctx, urls)
	s.logger.InfoContext(ctx, "collection codes revoked",
		slog.Int64("order_id", orderID),
		slog.Int64("revoked_by", collectorUserID))
	s.notify(ctx, &order, []int64{collectorUserID}, models.Event{
		Type:        models.EventCollectionCodeRevoked,
		ActorUserID: collectorUserID,
	})
	return nil
}

// Redeem completes the order if code is the order's own collection code or a
// mobile verification code of a user allowed to collect it.
func (s *Service) Redeem(ctx context.Context, orderID int64, code string, redeemedByUserID int64) (*models.Order, error) {
	redeemer, err := s.repo.GetUser(ctx, redeemedByUserID)
	if err != nil {
		return nil, err
	}

	var (
		order      models.Order
		urls       []string
		recipients []int64
	)
	err = s.repo.InOrderTx(ctx, orderID, func(ctx context.Context, o *models.Order) error {
		if o.Collection.Verified {
			return apperr.ErrAlreadyCollected
		}

		assocs, err := s.repo.ListCollectionAssociations(ctx, o.ID)
		if err != nil {
			return err
		}

		collectorID, err := s.matchCode(ctx, assocs, code)
		if err != nil {
			return err
		}
		collector, err := s.repo.GetUser(ctx, collectorID)
		if err != nil {
			return err
		}

		err = s.repo.MarkCollected(ctx, o,
			models.SnapshotOf(*redeemer),
			models.SnapshotOf(*collector),
			s.now())
		if err != nil {
			return err
		}
		if err := s.repo.ClearCollectionCodes(ctx, o.ID); err != nil {
			return err
		}

		order = *o
		urls = qrURLs(assocs)
		recipients = audience(o, assocs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deleteAssets(ctx, urls)
	s.logger.InfoContext(ctx, "order collected",
		slog.Int64("order_id", order.ID),
		slog.Int64("verified_by", redeemer.ID),
		slog.Int64("collected_by", order.Collection.CollectedBy.UserID))
	s.notify(ctx, &order, recipients, models.Event{
		Type:        models.EventOrderCollected,
		ActorUserID: redeemer.ID,
	})
	return &order, nil
}

// matchCode resolves code to the user collecting the order.
func (s *Service) matchCode(ctx context.Context, assocs []models.CollectionAssociation, code string) (int64, error) {
	if code == "" {
		return 0, apperr.ErrInvalidCode
	}

	for _, a := range assocs {
		if a.HasCode() && a.Code == code {
			if a.IsExpired(s.now()) {
				return 0, apperr.ErrCodeExpired
			}
			return a.UserID, nil
		}
	}

	users, err := s.repo.UsersWithVerificationCode(ctx, code)
	if err != nil {
		return 0, err
	}
	denied := false
	for _, u := range users {
		if _, ok := findCollector(assocs, u.ID); ok {
			if err := s.repo.RevokeVerificationCode(ctx, u.MobileNumber); err != nil {
				return 0, err
			}
			return u.ID, nil
		}
		if isAssociated(assocs, u.ID) {
			denied = true
		}
	}
	// Holders outside the order are not disclosed.
	if denied {
		return 0, apperr.ErrAccessDenied.Withf(accessDeniedMsg)
	}
	return 0, apperr.ErrInvalidCode
}

func isAssociated(assocs []models.CollectionAssociation, userID int64) bool {
	for _, a := range assocs {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

func qrURLs(assocs []models.CollectionAssociation) []string {
	var urls []string
	for _, a := range assocs {
		if a.QRCodeURL != "" {
			urls = append(urls, a.QRCodeURL)
		}
	}
	return urls
}

