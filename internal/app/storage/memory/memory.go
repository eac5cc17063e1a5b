package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/domain/order"
	"github.com/stellarbeauty/relatorios/internal/app/domain/report"
	"github.com/stellarbeauty/relatorios/internal/app/domain/seller"
	"github.com/stellarbeauty/relatorios/internal/app/domain/token"
	"github.com/stellarbeauty/relatorios/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu           sync.RWMutex
	sellers      map[int64]seller.Seller
	orders       map[int64]order.Order
	itemsByOrder map[int64][]order.Item
	bundles      map[int64]token.Bundle
	states       map[string]token.State
	runs         map[string]report.Run
	runOrder     []string
}

var _ storage.SellerStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)
var _ storage.TokenStore = (*Store)(nil)
var _ storage.StateStore = (*Store)(nil)
var _ storage.ReportStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sellers:      make(map[int64]seller.Seller),
		orders:       make(map[int64]order.Order),
		itemsByOrder: make(map[int64][]order.Item),
		bundles:      make(map[int64]token.Bundle),
		states:       make(map[string]token.State),
		runs:         make(map[string]report.Run),
	}
}

// SellerStore implementation -------------------------------------------------

func (s *Store) UpsertSeller(_ context.Context, sl seller.Seller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl.UpdatedAt = time.Now().UTC()
	s.sellers[sl.ID] = sl
	return nil
}

func (s *Store) GetSeller(_ context.Context, id int64) (seller.Seller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.sellers[id]
	if !ok {
		return seller.Seller{}, storage.ErrNotFound
	}
	return sl, nil
}

// OrderStore implementation --------------------------------------------------

func (s *Store) UpsertOrders(_ context.Context, orders []order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, o := range orders {
		o.SyncedAt = now
		s.orders[o.ID] = o
	}
	return nil
}

func (s *Store) UpsertItems(_ context.Context, items []order.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range items {
		entries := s.itemsByOrder[it.OrderID]
		replaced := false
		for i := range entries {
			if entries[i].ItemID == it.ItemID && entries[i].VariationID == it.VariationID {
				entries[i] = it
				replaced = true
				break
			}
		}
		if !replaced {
			entries = append(entries, it)
		}
		s.itemsByOrder[it.OrderID] = entries
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, id int64) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, storage.ErrNotFound
	}
	return o, nil
}

func (s *Store) ListOrders(_ context.Context, sellerID int64, limit int) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]order.Order, 0)
	for _, o := range s.orders {
		if sellerID == 0 || o.SellerID == sellerID {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DateCreated.After(result[j].DateCreated)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListItems(_ context.Context, orderID int64) ([]order.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]order.Item(nil), s.itemsByOrder[orderID]...), nil
}

// TokenStore implementation --------------------------------------------------

func (s *Store) UpsertBundle(_ context.Context, b token.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bundles[b.SellerID] = b
	return nil
}

func (s *Store) GetBundle(_ context.Context, sellerID int64) (token.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bundles[sellerID]
	if !ok {
		return token.Bundle{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) UpdateBundleLocked(_ context.Context, sellerID int64, fn func(token.Bundle) (token.Bundle, bool, error)) (token.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bundles[sellerID]
	if !ok {
		return token.Bundle{}, storage.ErrNotFound
	}
	updated, persist, err := fn(b)
	if err != nil {
		return token.Bundle{}, err
	}
	if !persist {
		return b, nil
	}
	s.bundles[sellerID] = updated
	return updated, nil
}

// StateStore implementation --------------------------------------------------

func (s *Store) SaveState(_ context.Context, st token.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.states[st.StateHash] = st
	return nil
}

func (s *Store) PopState(_ context.Context, stateHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[stateHash]
	if !ok {
		return "", storage.ErrNotFound
	}
	if st.UsedAt != nil {
		return "", storage.ErrStateUsed
	}
	if now.After(st.ExpiresAt) {
		return "", storage.ErrStateExpired
	}

	used := now
	st.UsedAt = &used
	s.states[stateHash] = st
	return st.CodeVerifier, nil
}

func (s *Store) CleanupStates(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var removed int64
	for hash, st := range s.states {
		if st.CreatedAt.Before(cutoff) {
			delete(s.states, hash)
			removed++
		}
	}
	return removed, nil
}

// ReportStore implementation -------------------------------------------------

func (s *Store) CreateRun(_ context.Context, r report.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("report run %s already exists", r.ID)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	s.runs[r.ID] = r
	s.runOrder = append(s.runOrder, r.ID)
	return nil
}

func (s *Store) UpdateRun(_ context.Context, r report.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; !ok {
		return storage.ErrNotFound
	}
	s.runs[r.ID] = r
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (report.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return report.Run{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]report.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]report.Run, 0, len(s.runOrder))
	// Newest first.
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		result = append(result, s.runs[s.runOrder[i]])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
