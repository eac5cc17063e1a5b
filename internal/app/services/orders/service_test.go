package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/storage/memory"
	"github.com/stellarbeauty/relatorios/internal/meli"
)

type fakeTokens struct {
	token        string
	refreshCalls int
	refreshErr   error
}

func (f *fakeTokens) AccessToken(context.Context, int64) (string, error) {
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(context.Context, int64) (string, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return f.token + "-fresh", nil
}

type fakeSearch struct {
	pages []meli.OrderSearchResponse
	errs  []error
	calls int
	seen  []string

	details     map[int64]json.RawMessage
	detailCalls int
}

func (f *fakeSearch) SearchOrders(_ context.Context, token string, _ int64, _, _ time.Time, _ int) (meli.OrderSearchResponse, error) {
	i := f.calls
	f.calls++
	f.seen = append(f.seen, token)
	if i < len(f.errs) && f.errs[i] != nil {
		return meli.OrderSearchResponse{}, f.errs[i]
	}
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	return meli.OrderSearchResponse{}, nil
}

func (f *fakeSearch) GetOrder(_ context.Context, _ string, orderID int64) (json.RawMessage, error) {
	f.detailCalls++
	if d, ok := f.details[orderID]; ok {
		return d, nil
	}
	return nil, errors.New("order not found")
}

func (f *fakeSearch) Me(context.Context, string) (meli.User, error) {
	return meli.User{ID: 777, Nickname: "LOJA"}, nil
}

func orderPayload(id int64, total string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %d,
		"status": "paid",
		"currency_id": "BRL",
		"total_amount": %s,
		"paid_amount": %s,
		"date_created": "2026-08-20T10:00:00Z",
		"buyer": {"id": 555},
		"order_items": [
			{"item": {"id": "MLB123", "title": "Serum", "seller_sku": "SER-01"},
			 "quantity": 2, "currency_id": "BRL", "unit_price": 59.9, "sale_fee": 9.58}
		]
	}`, id, total, total))
}

func page(total, limit int, payloads ...json.RawMessage) meli.OrderSearchResponse {
	return meli.OrderSearchResponse{
		Results: payloads,
		Paging:  meli.SearchPaging{Total: total, Limit: limit},
	}
}

func TestSyncPagesThroughResults(t *testing.T) {
	store := memory.New()
	search := &fakeSearch{pages: []meli.OrderSearchResponse{
		page(3, 2, orderPayload(1, "100.00"), orderPayload(2, "50.50")),
		page(3, 2, orderPayload(3, "25.00")),
	}}
	svc := New(search, &fakeTokens{token: "tok"}, store, nil, nil)

	res, err := svc.Sync(context.Background(), 777, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Orders != 3 || res.Items != 3 || res.Pages != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	o, err := store.GetOrder(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.SellerID != 777 || o.TotalAmount != "50.50" {
		t.Fatalf("unexpected order: %+v", o)
	}

	items, err := store.ListItems(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != "MLB123" || items[0].UnitPrice != "59.9" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestSyncRetriesOnceOn401(t *testing.T) {
	store := memory.New()
	tokens := &fakeTokens{token: "tok"}
	search := &fakeSearch{
		errs:  []error{&meli.APIError{StatusCode: 401, Message: "expired"}},
		pages: []meli.OrderSearchResponse{{}, page(1, 50, orderPayload(1, "10.00"))},
	}
	svc := New(search, tokens, store, nil, nil)

	res, err := svc.Sync(context.Background(), 777, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if tokens.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d", tokens.refreshCalls)
	}
	if res.Orders != 1 {
		t.Fatalf("orders = %d", res.Orders)
	}
	if search.seen[len(search.seen)-1] != "tok-fresh" {
		t.Fatalf("retry did not use refreshed token: %v", search.seen)
	}
}

func TestSyncDoesNotRetryTwice(t *testing.T) {
	tokens := &fakeTokens{token: "tok"}
	search := &fakeSearch{errs: []error{
		&meli.APIError{StatusCode: 401, Message: "expired"},
		&meli.APIError{StatusCode: 401, Message: "still expired"},
	}}
	svc := New(search, tokens, memory.New(), nil, nil)

	if _, err := svc.Sync(context.Background(), 777, time.Time{}, time.Time{}); err == nil {
		t.Fatal("expected an error after the second 401")
	}
	if tokens.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", tokens.refreshCalls)
	}
}

func TestSyncPolicyAgentBlockIsTerminal(t *testing.T) {
	tokens := &fakeTokens{token: "tok"}
	search := &fakeSearch{errs: []error{&meli.APIError{
		StatusCode: 403,
		ErrorCode:  "PA_UNAUTHORIZED_RESULT_FROM_POLICIES",
		BlockedBy:  "PolicyAgent",
	}}}
	svc := New(search, tokens, memory.New(), nil, nil)

	_, err := svc.Sync(context.Background(), 777, time.Time{}, time.Time{})
	if !errors.Is(err, ErrPolicyBlocked) {
		t.Fatalf("error = %v, want ErrPolicyBlocked", err)
	}
	if tokens.refreshCalls != 0 {
		t.Fatal("policy blocks must not trigger a token refresh")
	}
}

func TestSyncRejectsInvertedWindow(t *testing.T) {
	svc := New(&fakeSearch{}, &fakeTokens{token: "tok"}, memory.New(), nil, nil)
	now := time.Now()
	if _, err := svc.Sync(context.Background(), 777, now, now.Add(-time.Hour)); err == nil {
		t.Fatal("expected an error for an inverted window")
	}
}

func TestSyncFetchesDetailWhenItemsMissing(t *testing.T) {
	store := memory.New()
	slim := json.RawMessage(`{
		"id": 44,
		"status": "paid",
		"currency_id": "BRL",
		"total_amount": 119.8,
		"paid_amount": 119.8,
		"date_created": "2026-08-20T10:00:00Z"
	}`)
	search := &fakeSearch{
		pages:   []meli.OrderSearchResponse{page(1, 50, slim)},
		details: map[int64]json.RawMessage{44: orderPayload(44, "119.8")},
	}
	svc := New(search, &fakeTokens{token: "tok"}, store, nil, nil)

	res, err := svc.Sync(context.Background(), 777, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if search.detailCalls != 1 {
		t.Fatalf("detail calls = %d, want 1", search.detailCalls)
	}
	if res.Items != 1 {
		t.Fatalf("items = %d, want 1 from the detail payload", res.Items)
	}

	items, err := store.ListItems(context.Background(), 44)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != "MLB123" {
		t.Fatalf("items = %+v", items)
	}
}

func TestMapOrderNormalizesMissingVariation(t *testing.T) {
	raw := json.RawMessage(`{
		"id": 77,
		"status": "paid",
		"date_created": "2026-08-20T10:00:00Z",
		"order_items": [
			{"item": {"id": "MLB123", "title": "Serum"}, "quantity": 1,
			 "currency_id": "BRL", "unit_price": 59.9},
			{"item": {"id": "MLB123", "title": "Serum 30ml", "variation_id": 9001},
			 "quantity": 1, "currency_id": "BRL", "unit_price": 64.9}
		]
	}`)

	_, items, err := mapOrder(raw, 777)
	if err != nil {
		t.Fatalf("mapOrder: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].VariationID != 0 {
		t.Fatalf("missing variation_id mapped to %d, want 0", items[0].VariationID)
	}
	if items[1].VariationID != 9001 {
		t.Fatalf("variation_id = %d, want 9001", items[1].VariationID)
	}
}

func TestMapOrderSkipsMalformedPayloads(t *testing.T) {
	store := memory.New()
	search := &fakeSearch{pages: []meli.OrderSearchResponse{
		page(2, 50, json.RawMessage(`{"not":"an order"}`), orderPayload(9, "1.00")),
	}}
	svc := New(search, &fakeTokens{token: "tok"}, store, nil, nil)

	res, err := svc.Sync(context.Background(), 777, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Orders != 1 {
		t.Fatalf("orders = %d, want 1 (malformed skipped)", res.Orders)
	}
}
