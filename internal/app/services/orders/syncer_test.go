package orders

import (
	"context"
	"testing"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/storage/memory"
	"github.com/stellarbeauty/relatorios/internal/meli"
)

func TestSyncerRunsOnInterval(t *testing.T) {
	store := memory.New()
	search := &fakeSearch{pages: []meli.OrderSearchResponse{
		page(1, 50, orderPayload(1, "10.00")),
	}}
	svc := New(search, &fakeTokens{token: "tok"}, store, nil, nil)

	syncer := NewSyncer(svc, 777, 10*time.Millisecond, nil)
	if err := syncer.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The memory store serializes access, so polling it avoids racing the
	// syncer goroutine on the fake.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.GetOrder(context.Background(), 1); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := syncer.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if search.calls == 0 {
		t.Fatal("expected at least one scheduled sync")
	}
	if _, err := store.GetOrder(context.Background(), 1); err != nil {
		t.Fatalf("GetOrder after scheduled sync: %v", err)
	}
}

func TestSyncerStopIsIdempotent(t *testing.T) {
	svc := New(&fakeSearch{}, &fakeTokens{token: "tok"}, memory.New(), nil, nil)
	syncer := NewSyncer(svc, 777, time.Hour, nil)

	if err := syncer.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := syncer.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := syncer.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := syncer.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
