// Package mysql implements the storage interfaces on the MySQL warehouse.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stellarbeauty/relatorios/internal/app/domain/order"
	"github.com/stellarbeauty/relatorios/internal/app/domain/report"
	"github.com/stellarbeauty/relatorios/internal/app/domain/seller"
	"github.com/stellarbeauty/relatorios/internal/app/domain/token"
	"github.com/stellarbeauty/relatorios/internal/app/storage"
)

// batchSize bounds how many orders go into one transaction.
const batchSize = 100

// Store implements the storage interfaces backed by MySQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.SellerStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)
var _ storage.TokenStore = (*Store)(nil)
var _ storage.StateStore = (*Store)(nil)
var _ storage.ReportStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// --- SellerStore ------------------------------------------------------------

func (s *Store) UpsertSeller(ctx context.Context, sl seller.Seller) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meli_sellers (seller_id, nickname, site_id, email, first_name, last_name, country_id, raw_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, UTC_TIMESTAMP())
		ON DUPLICATE KEY UPDATE
			nickname = VALUES(nickname),
			site_id = VALUES(site_id),
			email = VALUES(email),
			first_name = VALUES(first_name),
			last_name = VALUES(last_name),
			country_id = VALUES(country_id),
			raw_json = VALUES(raw_json),
			updated_at = UTC_TIMESTAMP()
	`, sl.ID, sl.Nickname, sl.SiteID, sl.Email, sl.FirstName, sl.LastName, sl.CountryID, sl.RawJSON)
	if err != nil {
		return fmt.Errorf("upsert seller %d: %w", sl.ID, err)
	}
	return nil
}

func (s *Store) GetSeller(ctx context.Context, id int64) (seller.Seller, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seller_id, nickname, site_id, email, first_name, last_name, country_id, raw_json, updated_at
		FROM meli_sellers
		WHERE seller_id = ?
	`, id)

	var sl seller.Seller
	err := row.Scan(&sl.ID, &sl.Nickname, &sl.SiteID, &sl.Email, &sl.FirstName, &sl.LastName, &sl.CountryID, &sl.RawJSON, &sl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return seller.Seller{}, storage.ErrNotFound
	}
	if err != nil {
		return seller.Seller{}, err
	}
	return sl, nil
}

// --- OrderStore -------------------------------------------------------------

func (s *Store) UpsertOrders(ctx context.Context, orders []order.Order) error {
	for start := 0; start < len(orders); start += batchSize {
		end := start + batchSize
		if end > len(orders) {
			end = len(orders)
		}
		if err := s.upsertOrderBatch(ctx, orders[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertOrderBatch(ctx context.Context, orders []order.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, o := range orders {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meli_orders (order_id, seller_id, pack_id, buyer_id, shipping_id,
				status, status_detail, order_type, currency_id, total_amount, paid_amount,
				date_created, date_closed, last_updated, raw_json, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, UTC_TIMESTAMP())
			ON DUPLICATE KEY UPDATE
				pack_id = VALUES(pack_id),
				buyer_id = VALUES(buyer_id),
				shipping_id = VALUES(shipping_id),
				status = VALUES(status),
				status_detail = VALUES(status_detail),
				order_type = VALUES(order_type),
				currency_id = VALUES(currency_id),
				total_amount = VALUES(total_amount),
				paid_amount = VALUES(paid_amount),
				date_closed = VALUES(date_closed),
				last_updated = VALUES(last_updated),
				raw_json = VALUES(raw_json),
				synced_at = UTC_TIMESTAMP()
		`, o.ID, o.SellerID, o.PackID, o.BuyerID, o.ShippingID,
			o.Status, o.StatusDetail, o.OrderType, o.CurrencyID, o.TotalAmount, o.PaidAmount,
			o.DateCreated, o.DateClosed, o.LastUpdated, o.RawJSON)
		if err != nil {
			return fmt.Errorf("upsert order %d: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) UpsertItems(ctx context.Context, items []order.Item) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meli_order_items (order_id, item_id, variation_id, title, sku,
				quantity, currency_id, unit_price, full_unit_price, sale_fee, raw_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				title = VALUES(title),
				sku = VALUES(sku),
				quantity = VALUES(quantity),
				currency_id = VALUES(currency_id),
				unit_price = VALUES(unit_price),
				full_unit_price = VALUES(full_unit_price),
				sale_fee = VALUES(sale_fee),
				raw_json = VALUES(raw_json)
		`, it.OrderID, it.ItemID, it.VariationID, it.Title, it.SKU,
			it.Quantity, it.CurrencyID, it.UnitPrice, it.FullUnitPrice, it.SaleFee, it.RawJSON)
		if err != nil {
			return fmt.Errorf("upsert item %s of order %d: %w", it.ItemID, it.OrderID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetOrder(ctx context.Context, id int64) (order.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, seller_id, pack_id, buyer_id, shipping_id,
			status, status_detail, order_type, currency_id, total_amount, paid_amount,
			date_created, date_closed, last_updated, raw_json, synced_at
		FROM meli_orders
		WHERE order_id = ?
	`, id)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, storage.ErrNotFound
	}
	return o, err
}

func (s *Store) ListOrders(ctx context.Context, sellerID int64, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, seller_id, pack_id, buyer_id, shipping_id,
			status, status_detail, order_type, currency_id, total_amount, paid_amount,
			date_created, date_closed, last_updated, raw_json, synced_at
		FROM meli_orders
		WHERE (? = 0 OR seller_id = ?)
		ORDER BY date_created DESC
		LIMIT ?
	`, sellerID, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (s *Store) ListItems(ctx context.Context, orderID int64) ([]order.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, item_id, variation_id, title, sku,
			quantity, currency_id, unit_price, full_unit_price, sale_fee, raw_json
		FROM meli_order_items
		WHERE order_id = ?
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []order.Item
	for rows.Next() {
		var it order.Item
		if err := rows.Scan(&it.OrderID, &it.ItemID, &it.VariationID, &it.Title, &it.SKU,
			&it.Quantity, &it.CurrencyID, &it.UnitPrice, &it.FullUnitPrice, &it.SaleFee, &it.RawJSON); err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (order.Order, error) {
	var o order.Order
	err := row.Scan(&o.ID, &o.SellerID, &o.PackID, &o.BuyerID, &o.ShippingID,
		&o.Status, &o.StatusDetail, &o.OrderType, &o.CurrencyID, &o.TotalAmount, &o.PaidAmount,
		&o.DateCreated, &o.DateClosed, &o.LastUpdated, &o.RawJSON, &o.SyncedAt)
	return o, err
}

// --- TokenStore -------------------------------------------------------------

func (s *Store) UpsertBundle(ctx context.Context, b token.Bundle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meli_tokens (seller_id, access_token, refresh_token, token_type, scope,
			obtained_at, expires_at, last_refresh)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			access_token = VALUES(access_token),
			refresh_token = VALUES(refresh_token),
			token_type = VALUES(token_type),
			scope = VALUES(scope),
			obtained_at = VALUES(obtained_at),
			expires_at = VALUES(expires_at),
			last_refresh = VALUES(last_refresh)
	`, b.SellerID, b.AccessToken, b.RefreshToken, b.TokenType, b.Scope,
		b.ObtainedAt, b.ExpiresAt, b.LastRefresh)
	if err != nil {
		return fmt.Errorf("upsert token bundle for seller %d: %w", b.SellerID, err)
	}
	return nil
}

func (s *Store) GetBundle(ctx context.Context, sellerID int64) (token.Bundle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seller_id, access_token, refresh_token, token_type, scope,
			obtained_at, expires_at, last_refresh
		FROM meli_tokens
		WHERE seller_id = ?
	`, sellerID)

	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Bundle{}, storage.ErrNotFound
	}
	return b, err
}

// UpdateBundleLocked holds the token row under SELECT ... FOR UPDATE so
// concurrent refreshes of the same seller serialize on MySQL.
func (s *Store) UpdateBundleLocked(ctx context.Context, sellerID int64, fn func(token.Bundle) (token.Bundle, bool, error)) (token.Bundle, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return token.Bundle{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT seller_id, access_token, refresh_token, token_type, scope,
			obtained_at, expires_at, last_refresh
		FROM meli_tokens
		WHERE seller_id = ?
		FOR UPDATE
	`, sellerID)

	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Bundle{}, storage.ErrNotFound
	}
	if err != nil {
		return token.Bundle{}, err
	}

	updated, persist, err := fn(b)
	if err != nil {
		return token.Bundle{}, err
	}
	if !persist {
		if err := tx.Commit(); err != nil {
			return token.Bundle{}, err
		}
		return b, nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE meli_tokens
		SET access_token = ?, refresh_token = ?, token_type = ?, scope = ?,
			obtained_at = ?, expires_at = ?, last_refresh = ?
		WHERE seller_id = ?
	`, updated.AccessToken, updated.RefreshToken, updated.TokenType, updated.Scope,
		updated.ObtainedAt, updated.ExpiresAt, updated.LastRefresh, sellerID)
	if err != nil {
		return token.Bundle{}, err
	}
	if err := tx.Commit(); err != nil {
		return token.Bundle{}, err
	}
	return updated, nil
}

func scanBundle(row rowScanner) (token.Bundle, error) {
	var b token.Bundle
	err := row.Scan(&b.SellerID, &b.AccessToken, &b.RefreshToken, &b.TokenType, &b.Scope,
		&b.ObtainedAt, &b.ExpiresAt, &b.LastRefresh)
	return b, err
}

// --- StateStore -------------------------------------------------------------

func (s *Store) SaveState(ctx context.Context, st token.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meli_oauth_states (state_hash, code_verifier, requester, expires_at, created_at)
		VALUES (?, ?, ?, ?, UTC_TIMESTAMP())
	`, st.StateHash, st.CodeVerifier, st.Requester, st.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save oauth state: %w", err)
	}
	return nil
}

// PopState marks the state used exactly once. The row lock keeps a replayed
// callback from racing the legitimate one.
func (s *Store) PopState(ctx context.Context, stateHash string, now time.Time) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT code_verifier, expires_at, used_at
		FROM meli_oauth_states
		WHERE state_hash = ?
		FOR UPDATE
	`, stateHash)

	var (
		verifier  string
		expiresAt time.Time
		usedAt    sql.NullTime
	)
	err = row.Scan(&verifier, &expiresAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if usedAt.Valid {
		return "", storage.ErrStateUsed
	}
	if now.After(expiresAt) {
		return "", storage.ErrStateExpired
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE meli_oauth_states SET used_at = ? WHERE state_hash = ?
	`, now, stateHash); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return verifier, nil
}

func (s *Store) CleanupStates(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM meli_oauth_states WHERE created_at < ?
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- ReportStore ------------------------------------------------------------

func (s *Store) CreateRun(ctx context.Context, r report.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meli_report_runs (run_id, seller_id, report_group, document_type, report_format,
			period_key, file_id, status, file_path, size_bytes, content_type, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.SellerID, r.Group, r.DocumentType, r.ReportFormat,
		r.PeriodKey, r.FileID, r.Status, r.FilePath, r.SizeBytes, r.ContentType, r.Error,
		r.StartedAt, nullableTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("create report run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, r report.Run) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE meli_report_runs
		SET file_id = ?, status = ?, file_path = ?, size_bytes = ?, content_type = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`, r.FileID, r.Status, r.FilePath, r.SizeBytes, r.ContentType, r.Error, nullableTime(r.FinishedAt), r.ID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (report.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, seller_id, report_group, document_type, report_format,
			period_key, file_id, status, file_path, size_bytes, content_type, error, started_at, finished_at
		FROM meli_report_runs
		WHERE run_id = ?
	`, id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Run{}, storage.ErrNotFound
	}
	return r, err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]report.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seller_id, report_group, document_type, report_format,
			period_key, file_id, status, file_path, size_bytes, content_type, error, started_at, finished_at
		FROM meli_report_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []report.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRun(row rowScanner) (report.Run, error) {
	var (
		r        report.Run
		status   string
		finished sql.NullTime
	)
	err := row.Scan(&r.ID, &r.SellerID, &r.Group, &r.DocumentType, &r.ReportFormat,
		&r.PeriodKey, &r.FileID, &status, &r.FilePath, &r.SizeBytes, &r.ContentType, &r.Error,
		&r.StartedAt, &finished)
	if err != nil {
		return report.Run{}, err
	}
	r.Status = report.Status(status)
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return r, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
