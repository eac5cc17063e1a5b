// Package wporder holds the consolidated WooCommerce order model. Field names
// on the wire keep the Portuguese column names of the reporting table.
package wporder

import "time"

// Consolidated is one row of pedidos_consolidados.
type Consolidated struct {
	OrderID   int64     `json:"pedido_id"`
	CreatedAt time.Time `json:"data_pedido"`
	Total     float64   `json:"valor_total"`
	Status    string    `json:"status_woo"`

	CustomerEmail string `json:"email_cliente,omitempty"`
	CustomerName  string `json:"nome_cliente,omitempty"`
	City          string `json:"cidade,omitempty"`
	State         string `json:"estado,omitempty"`
	Phone         string `json:"telefone,omitempty"`

	TransactionID string `json:"tid_pagarme,omitempty"`
	Installments  int    `json:"parcelas,omitempty"`
	PaymentMethod string `json:"metodo_pagamento,omitempty"`
	PaymentStatus string `json:"status_pagamento,omitempty"`
}
