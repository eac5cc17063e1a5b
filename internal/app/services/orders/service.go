// Package orders syncs marketplace orders from Mercado Livre into the
// warehouse.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/domain/order"
	"github.com/stellarbeauty/relatorios/internal/app/domain/seller"
	"github.com/stellarbeauty/relatorios/internal/app/storage"
	"github.com/stellarbeauty/relatorios/internal/meli"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

// defaultWindow is how far back an unscoped sync looks.
const defaultWindow = 7 * 24 * time.Hour

// ErrPolicyBlocked means the API refused the seller's calls at the policy
// gate. Retrying with a fresh token does not help.
var ErrPolicyBlocked = errors.New("orders: seller blocked by marketplace policy")

// TokenSource yields usable access tokens for a seller.
type TokenSource interface {
	AccessToken(ctx context.Context, sellerID int64) (string, error)
	ForceRefresh(ctx context.Context, sellerID int64) (string, error)
}

// Client is the slice of the API client the sync needs.
type Client interface {
	SearchOrders(ctx context.Context, accessToken string, sellerID int64, from, to time.Time, offset int) (meli.OrderSearchResponse, error)
	GetOrder(ctx context.Context, accessToken string, orderID int64) (json.RawMessage, error)
	Me(ctx context.Context, accessToken string) (meli.User, error)
}

// Result summarizes one sync run.
type Result struct {
	SellerID int64     `json:"seller_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Orders   int       `json:"orders"`
	Items    int       `json:"items"`
	Pages    int       `json:"pages"`
	Duration string    `json:"duration"`
}

// Service runs order syncs.
type Service struct {
	client  Client
	tokens  TokenSource
	store   storage.OrderStore
	sellers storage.SellerStore
	log     *logger.Logger
	now     func() time.Time
}

// New constructs the service. sellers may be nil to skip the profile refresh
// at the start of each sync.
func New(client Client, tokens TokenSource, store storage.OrderStore, sellers storage.SellerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("orders")
	}
	return &Service{
		client:  client,
		tokens:  tokens,
		store:   store,
		sellers: sellers,
		log:     log,
		now:     time.Now,
	}
}

// Sync pulls every order created in [from, to) and upserts it. A zero window
// defaults to the last seven days.
func (s *Service) Sync(ctx context.Context, sellerID int64, from, to time.Time) (Result, error) {
	started := s.now()
	if to.IsZero() {
		to = started.UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultWindow)
	}
	if !from.Before(to) {
		return Result{}, fmt.Errorf("invalid window: from %s is not before to %s", from, to)
	}

	token, err := s.tokens.AccessToken(ctx, sellerID)
	if err != nil {
		return Result{}, err
	}

	s.refreshProfile(ctx, token)

	res := Result{SellerID: sellerID, From: from, To: to}
	offset := 0
	refreshed := false

	for {
		page, err := s.client.SearchOrders(ctx, token, sellerID, from, to, offset)
		if err != nil {
			var apiErr *meli.APIError
			if errors.As(err, &apiErr) {
				if apiErr.IsPolicyAgent() {
					s.log.WithField("seller_id", sellerID).Warn("order search blocked by policy agent")
					return res, fmt.Errorf("%w: %v", ErrPolicyBlocked, apiErr)
				}
				// One re-auth attempt: the token may have been revoked
				// upstream while still valid locally.
				if (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) && !refreshed {
					refreshed = true
					token, err = s.tokens.ForceRefresh(ctx, sellerID)
					if err != nil {
						return res, err
					}
					continue
				}
			}
			return res, fmt.Errorf("search orders at offset %d: %w", offset, err)
		}

		var (
			batch []order.Order
			items []order.Item
		)
		for _, raw := range page.Results {
			o, its, err := mapOrder(raw, sellerID)
			if err != nil {
				s.log.WithError(err).Warn("skipping malformed order payload")
				continue
			}
			// Search results occasionally arrive without order_items; the
			// detail endpoint always carries them.
			if len(its) == 0 {
				if detail, derr := s.client.GetOrder(ctx, token, o.ID); derr == nil {
					if od, dits, merr := mapOrder(detail, sellerID); merr == nil {
						o, its = od, dits
					}
				} else {
					s.log.WithError(derr).WithField("order_id", o.ID).Warn("order detail fetch failed")
				}
			}
			batch = append(batch, o)
			items = append(items, its...)
		}

		if err := s.store.UpsertOrders(ctx, batch); err != nil {
			return res, fmt.Errorf("upsert orders: %w", err)
		}
		if err := s.store.UpsertItems(ctx, items); err != nil {
			return res, fmt.Errorf("upsert order items: %w", err)
		}

		res.Orders += len(batch)
		res.Items += len(items)
		res.Pages++

		if len(page.Results) == 0 {
			break
		}
		step := page.Paging.Limit
		if step == 0 {
			step = len(page.Results)
		}
		offset += step
		if offset >= page.Paging.Total {
			break
		}
	}

	res.Duration = s.now().Sub(started).Round(time.Millisecond).String()
	s.log.WithField("seller_id", sellerID).
		WithField("orders", res.Orders).
		WithField("items", res.Items).
		WithField("pages", res.Pages).
		Info("order sync finished")
	return res, nil
}

// refreshProfile re-upserts the seller profile so the warehouse copy tracks
// nickname and contact changes. Failures only log; the sync proceeds.
func (s *Service) refreshProfile(ctx context.Context, token string) {
	if s.sellers == nil {
		return
	}
	u, err := s.client.Me(ctx, token)
	if err != nil {
		s.log.WithError(err).Warn("seller profile refresh failed")
		return
	}
	sl := seller.Seller{
		ID:        u.ID,
		Nickname:  u.Nickname,
		SiteID:    u.SiteID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		CountryID: u.CountryID,
		RawJSON:   string(u.Raw),
	}
	if err := s.sellers.UpsertSeller(ctx, sl); err != nil {
		s.log.WithError(err).Warn("seller profile upsert failed")
	}
}

// ListOrders returns recent orders for a seller.
func (s *Service) ListOrders(ctx context.Context, sellerID int64, limit int) ([]order.Order, error) {
	return s.store.ListOrders(ctx, sellerID, limit)
}

// GetOrder returns one order with its items.
func (s *Service) GetOrder(ctx context.Context, id int64) (order.Order, []order.Item, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return order.Order{}, nil, err
	}
	items, err := s.store.ListItems(ctx, id)
	if err != nil {
		return order.Order{}, nil, err
	}
	return o, items, nil
}
