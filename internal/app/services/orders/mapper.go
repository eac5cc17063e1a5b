package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/domain/order"
)

// rawOrder is the slice of the upstream order payload the warehouse keeps.
// Monetary fields decode as json.Number so DECIMAL columns receive the exact
// upstream representation.
type rawOrder struct {
	ID           int64       `json:"id"`
	PackID       *int64      `json:"pack_id"`
	Status       string      `json:"status"`
	StatusDetail string      `json:"status_detail"`
	OrderType    string      `json:"order_type"`
	CurrencyID   string      `json:"currency_id"`
	TotalAmount  json.Number `json:"total_amount"`
	PaidAmount   json.Number `json:"paid_amount"`
	DateCreated  time.Time   `json:"date_created"`
	DateClosed   *time.Time  `json:"date_closed"`
	LastUpdated  *time.Time  `json:"last_updated"`

	Buyer *struct {
		ID int64 `json:"id"`
	} `json:"buyer"`
	Shipping *struct {
		ID int64 `json:"id"`
	} `json:"shipping"`

	OrderItems []rawOrderItem `json:"order_items"`
}

type rawOrderItem struct {
	Item struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		VariationID *int64 `json:"variation_id"`
		SellerSKU   string `json:"seller_sku"`
	} `json:"item"`
	Quantity      int         `json:"quantity"`
	CurrencyID    string      `json:"currency_id"`
	UnitPrice     json.Number `json:"unit_price"`
	FullUnitPrice json.Number `json:"full_unit_price"`
	SaleFee       json.Number `json:"sale_fee"`
}

// mapOrder turns one raw search result into the warehouse order plus items.
func mapOrder(raw json.RawMessage, sellerID int64) (order.Order, []order.Item, error) {
	var ro rawOrder
	if err := json.Unmarshal(raw, &ro); err != nil {
		return order.Order{}, nil, fmt.Errorf("decode order payload: %w", err)
	}
	if ro.ID == 0 {
		return order.Order{}, nil, fmt.Errorf("order payload missing id")
	}

	o := order.Order{
		ID:           ro.ID,
		SellerID:     sellerID,
		PackID:       ro.PackID,
		Status:       ro.Status,
		StatusDetail: ro.StatusDetail,
		OrderType:    ro.OrderType,
		CurrencyID:   ro.CurrencyID,
		TotalAmount:  numOrZero(ro.TotalAmount),
		PaidAmount:   numOrZero(ro.PaidAmount),
		DateCreated:  ro.DateCreated,
		DateClosed:   ro.DateClosed,
		LastUpdated:  ro.LastUpdated,
		RawJSON:      string(raw),
	}
	if ro.Buyer != nil {
		id := ro.Buyer.ID
		o.BuyerID = &id
	}
	if ro.Shipping != nil && ro.Shipping.ID != 0 {
		id := ro.Shipping.ID
		o.ShippingID = &id
	}

	items := make([]order.Item, 0, len(ro.OrderItems))
	for _, ri := range ro.OrderItems {
		itemRaw, _ := json.Marshal(ri)
		var variation int64
		if ri.Item.VariationID != nil {
			variation = *ri.Item.VariationID
		}
		items = append(items, order.Item{
			OrderID:       ro.ID,
			ItemID:        ri.Item.ID,
			VariationID:   variation,
			Title:         ri.Item.Title,
			SKU:           ri.Item.SellerSKU,
			Quantity:      ri.Quantity,
			CurrencyID:    ri.CurrencyID,
			UnitPrice:     numOrZero(ri.UnitPrice),
			FullUnitPrice: numOrZero(ri.FullUnitPrice),
			SaleFee:       numOrZero(ri.SaleFee),
			RawJSON:       string(itemRaw),
		})
	}
	return o, items, nil
}

func numOrZero(n json.Number) string {
	if n == "" {
		return "0"
	}
	return n.String()
}
