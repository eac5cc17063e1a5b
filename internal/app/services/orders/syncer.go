package orders

import (
	"context"
	"sync"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/system"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

var _ system.Service = (*Syncer)(nil)

// Syncer runs the order sync on an interval for one seller.
type Syncer struct {
	service  *Service
	sellerID int64
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSyncer creates a lifecycle-managed periodic syncer.
func NewSyncer(service *Service, sellerID int64, interval time.Duration, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.NewDefault("orders-syncer")
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Syncer{
		service:  service,
		sellerID: sellerID,
		log:      log,
		interval: interval,
	}
}

func (s *Syncer) Name() string { return "orders-syncer" }

func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.WithField("seller_id", s.sellerID).
		WithField("interval", s.interval.String()).
		Info("order syncer started")
	return nil
}

func (s *Syncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("order syncer stopped")
	return nil
}

func (s *Syncer) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	if _, err := s.service.Sync(ctx, s.sellerID, time.Time{}, time.Time{}); err != nil {
		s.log.WithError(err).WithField("seller_id", s.sellerID).Warn("scheduled order sync failed")
	}
}
