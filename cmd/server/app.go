package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simaogato/tokenwallet-backend/internal/adapter/ledger/fabric"
	"github.com/simaogato/tokenwallet-backend/internal/adapter/ledger/memledger"
	"github.com/simaogato/tokenwallet-backend/internal/adapter/repository/memory"
	"github.com/simaogato/tokenwallet-backend/internal/adapter/repository/postgres"
	"github.com/simaogato/tokenwallet-backend/internal/config"
	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/identity"
	"github.com/simaogato/tokenwallet-backend/internal/keylock"
	"github.com/simaogato/tokenwallet-backend/internal/ledger"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/coordinator"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/dashboard"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/pin"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/reconciler"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/seeder"
)

// repositories is the off-chain mirror, backed by postgres or memory
type repositories struct {
	accounts        domain.AccountRepository
	transactions    domain.TransactionRepository
	projector       domain.Projector
	users           domain.UserRepository
	identities      domain.IdentityRepository
	reconciliations domain.ReconciliationRepository
}

// app holds the wired services and the resources to release on shutdown
type app struct {
	cfg         config.Config
	logger      *zap.Logger
	coordinator *coordinator.Service
	reconciler  *reconciler.Service
	dashboard   *dashboard.DashboardService

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to release resource", zap.Error(err))
		}
	}
}

// newApp connects the stores and the ledger and wires the services.
// Migrations run first when migrate is set and the store is postgres.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, migrate bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	repos, err := a.openStore(ctx, migrate)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Seed users and accounts
	users := make([]seeder.User, 0, len(cfg.Seed))
	for _, u := range cfg.Seed {
		users = append(users, seeder.User{ID: u.ID, Name: u.Name, Email: u.Email, Pin: u.Pin})
	}
	if err := seeder.NewUserSeeder(repos.users).Seed(ctx, users); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to seed users: %w", err)
	}
	created, err := seeder.NewAccountSeeder(repos.identities, repos.accounts).Seed(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to seed accounts: %w", err)
	}
	logger.Info("accounts seeded", zap.Int("created", created))

	connector, err := a.openLedger()
	if err != nil {
		a.Close()
		return nil, err
	}

	ledgerCfg := ledgerConfig(cfg.Ledger)
	binding, err := ledger.NewBinding(connector, ledgerCfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	directory, err := identity.NewDirectory(repos.identities, identity.Options{
		CacheSize:          cfg.Coordinator.IdentityCacheSize,
		RequireCertificate: cfg.Ledger.Driver == "fabric",
		OperatorUserID:     cfg.Ledger.OperatorUserID,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	// One lock table serializes the coordinator and the reconciler per account
	locks := keylock.New()

	a.coordinator = coordinator.NewService(coordinator.Dependencies{
		Accounts:     repos.accounts,
		Transactions: repos.transactions,
		Projector:    repos.projector,
		Users:        repos.users,
		Identities:   directory,
		Ledger:       binding,
		Pins:         pin.NewBcryptVerifier(),
		Locks:        locks,
	}, coordinator.Options{
		OperatorUserID: cfg.Ledger.OperatorUserID,
	}, logger)

	a.reconciler = reconciler.NewService(reconciler.Dependencies{
		Accounts:        repos.accounts,
		Transactions:    repos.transactions,
		Reconciliations: repos.reconciliations,
		Identities:      directory,
		Ledger:          binding,
		Locks:           locks,
	}, reconciler.Options{
		OperatorUserID: cfg.Ledger.OperatorUserID,
		Repair:         cfg.Reconcile.Repair,
		Concurrency:    cfg.Reconcile.Concurrency,
	}, logger)

	a.dashboard = dashboard.NewDashboardService(repos.accounts, repos.users, repos.transactions)

	return a, nil
}

func (a *app) openStore(ctx context.Context, migrate bool) (*repositories, error) {
	if a.cfg.Store.Driver == "memory" {
		store := memory.NewStore()
		// Without a database the enrolled identities are the seeded users
		identities := identity.NewStaticStore(&domain.LedgerIdentity{UserID: a.cfg.Ledger.OperatorUserID, MSPID: "Org1MSP"})
		for _, u := range a.cfg.Seed {
			identities.Put(&domain.LedgerIdentity{UserID: u.ID, MSPID: "Org1MSP"})
		}
		a.logger.Warn("using in-memory store, state is lost on exit")
		return &repositories{
			accounts:        store.Accounts(),
			transactions:    store.Transactions(),
			projector:       store.Projector(),
			users:           store.Users(),
			identities:      identities,
			reconciliations: store.Reconciliations(),
		}, nil
	}

	db, err := openDB(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	if migrate {
		if err := db.MigrateUp(); err != nil {
			return nil, err
		}
	}
	if !a.cfg.Database.Atomic {
		a.logger.Warn("non-atomic projection enabled, a failure part way leaves the mirror for reconciliation")
	}

	return &repositories{
		accounts:        postgres.NewAccountRepository(db),
		transactions:    postgres.NewTransactionRepository(db),
		projector:       postgres.NewProjector(db, a.cfg.Database.Atomic),
		users:           postgres.NewUserRepository(db),
		identities:      postgres.NewIdentityRepository(db),
		reconciliations: postgres.NewReconciliationRepository(db),
	}, nil
}

func (a *app) openLedger() (ledger.Connector, error) {
	if a.cfg.Ledger.Driver == "memory" {
		a.logger.Warn("using in-memory ledger")
		return memledger.New(a.cfg.Ledger.OperatorUserID), nil
	}

	ledgerCfg := ledgerConfig(a.cfg.Ledger)
	conn, err := fabric.Dial(ledgerCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
	}
	a.closers = append(a.closers, conn.Close)

	a.logger.Info("ledger gateway configured",
		zap.String("endpoint", ledgerCfg.Endpoint),
		zap.String("channel", ledgerCfg.ChannelName),
		zap.String("contract", ledgerCfg.ContractName),
	)
	return fabric.NewConnector(conn, ledgerCfg, fabric.NewFileKeyStore(ledgerCfg.KeyDir)), nil
}

func openDB(ctx context.Context, cfg config.Config, logger *zap.Logger) (*postgres.DB, error) {
	return postgres.NewDB(ctx,
		cfg.Database.ConnectionString(),
		cfg.Database.ConnectRetries,
		cfg.Database.RetryInterval,
		logger,
	)
}

func ledgerConfig(c config.LedgerConfig) ledger.Config {
	return ledger.Config{
		Endpoint:           c.Endpoint,
		ServerNameOverride: c.ServerNameOverride,
		TLSCertPath:        c.TLSCertPath,
		ChannelName:        c.ChannelName,
		ContractName:       c.ContractName,
		KeyDir:             c.KeyDir,
		Timeout:            c.Timeout,
	}
}
