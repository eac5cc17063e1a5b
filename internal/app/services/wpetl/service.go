// Package wpetl consolidates WooCommerce orders from the store database into
// the warehouse reporting table.
package wpetl

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stellarbeauty/relatorios/internal/app/domain/wporder"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

// extractLimit bounds one run. The source query reads the HPOS order tables,
// newest first, so repeated runs converge.
const extractLimit = 5000

// extractQuery joins the HPOS order table with its billing address and the
// payment metadata WooCommerce plugins attach.
const extractQuery = `
	SELECT
		o.id,
		o.date_created_gmt,
		o.total_amount,
		o.status,
		COALESCE(o.billing_email, ''),
		COALESCE(a.first_name, ''),
		COALESCE(a.last_name, ''),
		COALESCE(a.city, ''),
		COALESCE(a.state, ''),
		COALESCE(a.phone, ''),
		COALESCE(tid.meta_value, ''),
		COALESCE(parc.meta_value, ''),
		COALESCE(o.payment_method_title, ''),
		COALESCE(pay.meta_value, '')
	FROM wp_wc_orders o
	LEFT JOIN wp_wc_order_addresses a
		ON a.order_id = o.id AND a.address_type = 'billing'
	LEFT JOIN wp_wc_orders_meta tid
		ON tid.order_id = o.id AND tid.meta_key = '_pagarme_transaction_id'
	LEFT JOIN wp_wc_orders_meta parc
		ON parc.order_id = o.id AND parc.meta_key = '_pagarme_installments'
	LEFT JOIN wp_wc_orders_meta pay
		ON pay.order_id = o.id AND pay.meta_key = '_pagarme_payment_status'
	WHERE o.type = 'shop_order'
	ORDER BY o.date_created_gmt DESC
	LIMIT ?
`

// Result summarizes one consolidation run.
type Result struct {
	Extracted int      `json:"extracted"`
	Loaded    int      `json:"loaded"`
	Duration  string   `json:"duration"`
	Steps     []string `json:"steps"`
}

// Service copies orders from the WooCommerce database into
// pedidos_consolidados.
type Service struct {
	source *sqlx.DB
	target *sqlx.DB
	log    *logger.Logger
	now    func() time.Time
}

// New constructs the ETL over a source (store) and target (warehouse) handle.
func New(source, target *sqlx.DB, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("wpetl")
	}
	return &Service{source: source, target: target, log: log, now: time.Now}
}

// Run extracts up to extractLimit orders and upserts them into the warehouse.
func (s *Service) Run(ctx context.Context) (Result, error) {
	started := s.now()
	var steps []string
	step := func(format string, args ...any) {
		line := fmt.Sprintf(format, args...)
		steps = append(steps, line)
		s.log.Info(line)
	}

	step("extracting consolidated orders from wordpress")
	orders, err := s.extract(ctx)
	if err != nil {
		return Result{Steps: steps}, err
	}
	step("extracted %d orders", len(orders))

	loaded, err := s.load(ctx, orders)
	if err != nil {
		return Result{Extracted: len(orders), Loaded: loaded, Steps: steps}, err
	}
	step("loaded %d rows into pedidos_consolidados", loaded)

	res := Result{
		Extracted: len(orders),
		Loaded:    loaded,
		Duration:  s.now().Sub(started).Round(time.Millisecond).String(),
		Steps:     steps,
	}
	s.log.WithField("extracted", res.Extracted).
		WithField("loaded", res.Loaded).
		Info("wordpress consolidation finished")
	return res, nil
}

func (s *Service) extract(ctx context.Context) ([]wporder.Consolidated, error) {
	rows, err := s.source.QueryContext(ctx, extractQuery, extractLimit)
	if err != nil {
		return nil, fmt.Errorf("extract woocommerce orders: %w", err)
	}
	defer rows.Close()

	var result []wporder.Consolidated
	for rows.Next() {
		var (
			c           wporder.Consolidated
			created     sql.NullTime
			total       sql.NullFloat64
			first, last string
			parcelas    string
		)
		err := rows.Scan(&c.OrderID, &created, &total, &c.Status, &c.CustomerEmail,
			&first, &last, &c.City, &c.State, &c.Phone,
			&c.TransactionID, &parcelas, &c.PaymentMethod, &c.PaymentStatus)
		if err != nil {
			return nil, err
		}
		if created.Valid {
			c.CreatedAt = created.Time
		}
		if total.Valid {
			c.Total = total.Float64
		}
		c.CustomerName = joinName(first, last)
		// WooCommerce stores statuses as "wc-completed"; reports filter on
		// the bare value.
		c.Status = strings.TrimPrefix(c.Status, "wc-")
		c.Installments = 1
		if n, err := strconv.Atoi(parcelas); err == nil && n > 0 {
			c.Installments = n
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Service) load(ctx context.Context, orders []wporder.Consolidated) (int, error) {
	tx, err := s.target.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	loaded := 0
	for _, c := range orders {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pedidos_consolidados (pedido_id, data_pedido, valor_total, status_woo,
				email_cliente, nome_cliente, cidade, estado, telefone,
				tid_pagarme, parcelas, metodo_pagamento, status_pagamento)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				data_pedido = VALUES(data_pedido),
				valor_total = VALUES(valor_total),
				status_woo = VALUES(status_woo),
				email_cliente = VALUES(email_cliente),
				nome_cliente = VALUES(nome_cliente),
				cidade = VALUES(cidade),
				estado = VALUES(estado),
				telefone = VALUES(telefone),
				tid_pagarme = VALUES(tid_pagarme),
				parcelas = VALUES(parcelas),
				metodo_pagamento = VALUES(metodo_pagamento),
				status_pagamento = VALUES(status_pagamento)
		`, c.OrderID, c.CreatedAt, c.Total, c.Status,
			c.CustomerEmail, c.CustomerName, c.City, c.State, c.Phone,
			c.TransactionID, c.Installments, c.PaymentMethod, c.PaymentStatus)
		if err != nil {
			return loaded, fmt.Errorf("load order %d: %w", c.OrderID, err)
		}
		loaded++
	}
	if err := tx.Commit(); err != nil {
		return loaded, err
	}
	return loaded, nil
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return first + " " + last
}
