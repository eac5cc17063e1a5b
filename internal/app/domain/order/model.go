// Package order holds the marketplace order and order-item models synced from
// Mercado Livre.
package order

import "time"

// Order is one marketplace order. Monetary fields stay as decimal strings so
// no precision is lost between the API and MySQL DECIMAL columns.
type Order struct {
	ID       int64 `json:"order_id"`
	SellerID int64 `json:"seller_id"`

	PackID     *int64 `json:"pack_id,omitempty"`
	BuyerID    *int64 `json:"buyer_id,omitempty"`
	ShippingID *int64 `json:"shipping_id,omitempty"`

	Status       string `json:"status"`
	StatusDetail string `json:"status_detail,omitempty"`
	OrderType    string `json:"order_type,omitempty"`

	CurrencyID  string `json:"currency_id"`
	TotalAmount string `json:"total_amount"`
	PaidAmount  string `json:"paid_amount"`

	DateCreated time.Time  `json:"date_created"`
	DateClosed  *time.Time `json:"date_closed,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`

	RawJSON string `json:"-"`

	SyncedAt time.Time `json:"synced_at"`
}

// Item is one line of an order. ItemID is the alphanumeric listing id
// (MLB...), not a numeric key. VariationID is 0 for listings without
// variations so the (order, item, variation) key stays well defined.
type Item struct {
	OrderID     int64  `json:"order_id"`
	ItemID      string `json:"item_id"`
	VariationID int64  `json:"variation_id,omitempty"`

	Title string `json:"title"`
	SKU   string `json:"sku,omitempty"`

	Quantity      int    `json:"quantity"`
	CurrencyID    string `json:"currency_id"`
	UnitPrice     string `json:"unit_price"`
	FullUnitPrice string `json:"full_unit_price,omitempty"`
	SaleFee       string `json:"sale_fee,omitempty"`

	RawJSON string `json:"-"`
}
