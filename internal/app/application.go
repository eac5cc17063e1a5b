// Package app wires the domain services together and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/stellarbeauty/relatorios/internal/app/scheduler"
	billingsvc "github.com/stellarbeauty/relatorios/internal/app/services/billing"
	catalogsvc "github.com/stellarbeauty/relatorios/internal/app/services/catalog"
	oauthsvc "github.com/stellarbeauty/relatorios/internal/app/services/oauth"
	orderssvc "github.com/stellarbeauty/relatorios/internal/app/services/orders"
	wpetlsvc "github.com/stellarbeauty/relatorios/internal/app/services/wpetl"
	"github.com/stellarbeauty/relatorios/internal/app/storage"
	"github.com/stellarbeauty/relatorios/internal/app/storage/memory"
	"github.com/stellarbeauty/relatorios/internal/app/system"
	"github.com/stellarbeauty/relatorios/internal/config"
	"github.com/stellarbeauty/relatorios/internal/meli"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Sellers storage.SellerStore
	Orders  storage.OrderStore
	Tokens  storage.TokenStore
	States  storage.StateStore
	Reports storage.ReportStore
}

// Deps carries the external handles the application builds on. CatalogDB is
// the read-only connection; WordPressDB and Redis may be nil.
type Deps struct {
	Stores      Stores
	CatalogDB   *sqlx.DB
	WarehouseDB *sqlx.DB
	WordPressDB *sqlx.DB
	Redis       *redis.Client
	MeliClient  *meli.Client
}

// Application ties the domain services together.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	SellerID int64

	OAuth     *oauthsvc.Service
	Orders    *orderssvc.Service
	Billing   *billingsvc.Service
	Catalog   *catalogsvc.Service
	WordPress *wpetlsvc.Service
}

// New builds a fully initialised application.
func New(cfg *config.Config, deps Deps, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if deps.Stores.Sellers == nil {
		deps.Stores.Sellers = mem
	}
	if deps.Stores.Orders == nil {
		deps.Stores.Orders = mem
	}
	if deps.Stores.Tokens == nil {
		deps.Stores.Tokens = mem
	}
	if deps.Stores.States == nil {
		deps.Stores.States = mem
	}
	if deps.Stores.Reports == nil {
		deps.Stores.Reports = mem
	}
	if deps.MeliClient == nil {
		deps.MeliClient = meli.NewClient(meli.Config{
			ClientID:     cfg.Meli.ClientID,
			ClientSecret: cfg.Meli.ClientSecret,
			RedirectURI:  cfg.Meli.RedirectURI,
			APIBase:      cfg.Meli.APIBase,
		})
	}

	manager := system.NewManager(log)

	oauthService := oauthsvc.New(oauthsvc.Config{
		ClientID:    cfg.Meli.ClientID,
		RedirectURI: cfg.Meli.RedirectURI,
		Scope:       cfg.Meli.Scope,
		AuthURL:     cfg.Meli.AuthURL,
		StateTTL:    time.Duration(cfg.Meli.StateTTLMinutes) * time.Minute,
		TokenSkew:   time.Duration(cfg.Meli.TokenSkewSeconds) * time.Second,
	}, deps.MeliClient, deps.Stores.Tokens, deps.Stores.States, deps.Stores.Sellers, log)

	ordersService := orderssvc.New(deps.MeliClient, oauthService, deps.Stores.Orders, deps.Stores.Sellers, log)

	billingService := billingsvc.New(billingsvc.Config{
		Group:        cfg.Billing.Group,
		DocumentType: cfg.Billing.DocumentType,
		ReportFormat: cfg.Billing.ReportFormat,
		OutputDir:    cfg.Billing.OutputDir,
	}, deps.MeliClient, oauthService, deps.Stores.Reports, log)

	catalogCfg, err := config.LoadCatalogConfigOrDefault(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}
	cache := catalogsvc.NewCache(deps.Redis, time.Duration(cfg.Redis.TTL)*time.Second, log)
	catalogService := catalogsvc.New(deps.CatalogDB, catalogCfg, cache, log)

	var wpService *wpetlsvc.Service
	if deps.WordPressDB != nil && deps.WarehouseDB != nil {
		wpService = wpetlsvc.New(deps.WordPressDB, deps.WarehouseDB, log)
	}

	app := &Application{
		manager:   manager,
		log:       log,
		OAuth:     oauthService,
		Orders:    ordersService,
		Billing:   billingService,
		Catalog:   catalogService,
		WordPress: wpService,
	}
	if cfg.Meli.SellerID != "" {
		app.SellerID, _ = strconv.ParseInt(cfg.Meli.SellerID, 10, 64)
	}

	if err := app.registerJobs(cfg); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *Application) registerJobs(cfg *config.Config) error {
	sched := scheduler.New(a.log)

	if a.SellerID != 0 {
		sellerID := a.SellerID
		fallback := cfg.Meli.EnableBillingFallback
		runSync := func(ctx context.Context) error {
			return a.syncOrders(ctx, sellerID, fallback)
		}
		if cfg.Schedules.OrdersSync != "" {
			if err := sched.Add(cfg.Schedules.OrdersSync, "orders-sync", runSync); err != nil {
				return err
			}
		} else {
			// Without a cron spec the interval syncer keeps orders flowing.
			a.manager.Register(orderssvc.NewSyncer(a.Orders, sellerID, 0, a.log))
		}
		if err := sched.Add(cfg.Schedules.SalesReport, "sales-report", func(ctx context.Context) error {
			_, err := a.Billing.Generate(ctx, sellerID, "")
			return err
		}); err != nil {
			return err
		}
	} else if cfg.Schedules.OrdersSync != "" || cfg.Schedules.SalesReport != "" {
		a.log.Warn("MELI_SELLER_ID not set; marketplace jobs disabled")
	}

	if a.WordPress != nil {
		if err := sched.Add(cfg.Schedules.WordPressETL, "wordpress-etl", func(ctx context.Context) error {
			_, err := a.WordPress.Run(ctx)
			return err
		}); err != nil {
			return err
		}
	}

	if err := sched.Add(cfg.Schedules.StateCleanup, "oauth-state-cleanup", func(ctx context.Context) error {
		_, err := a.OAuth.CleanupStates(ctx)
		return err
	}); err != nil {
		return err
	}

	a.manager.Register(sched)
	return nil
}

// syncOrders runs one scheduled sync. When the marketplace blocks the order
// search via PolicyAgent and the fallback is enabled, the sales report
// pipeline runs instead so the period still gets covered.
func (a *Application) syncOrders(ctx context.Context, sellerID int64, fallback bool) error {
	_, err := a.Orders.Sync(ctx, sellerID, time.Time{}, time.Time{})
	if errors.Is(err, orderssvc.ErrPolicyBlocked) && fallback {
		a.log.WithError(err).Warn("order search blocked, falling back to the sales report")
		_, err = a.Billing.Generate(ctx, sellerID, "")
	}
	return err
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) {
	a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) {
	a.manager.Stop(ctx)
}
