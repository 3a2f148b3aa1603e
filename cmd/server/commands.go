package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"
	"github.com/urfave/cli/v3"

	"pet-arena/internal/api"
	"pet-arena/internal/audit"
	"pet-arena/internal/config"
	"pet-arena/internal/db"
	"pet-arena/internal/engine"
	"pet-arena/internal/ledger"
	"pet-arena/internal/model"
	"pet-arena/internal/ws"
)

// ── Wiring ───────────────────────────────────────────

func newInjector(cmd *cli.Command) do.Injector {
	i := do.New()
	do.ProvideNamedValue(i, "db-driver", cmd.String("db-driver"))
	do.ProvideNamedValue(i, "dsn", cmd.String("dsn"))
	do.ProvideNamedValue(i, "tuning-path", cmd.String("tuning"))
	do.ProvideNamedValue(i, "jwt-secret", cmd.String("jwt-secret"))
	do.ProvideNamedValue(i, "seed", cmd.Uint64("seed"))

	do.Provide(i, provideStore)
	do.Provide(i, provideTuning)
	do.Provide(i, func(do.Injector) (*ws.Hub, error) { return ws.NewHub(), nil })
	do.Provide(i, provideLedger)
	do.Provide(i, provideService)
	do.Provide(i, provideAPI)
	return i
}

func provideStore(i do.Injector) (*db.Store, error) {
	store, err := db.Open(do.MustInvokeNamed[string](i, "db-driver"), do.MustInvokeNamed[string](i, "dsn"))
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	log.Printf("[main] connected to %s database", store.Driver())
	return store, nil
}

func provideTuning(i do.Injector) (config.Tuning, error) {
	return config.Load(do.MustInvokeNamed[string](i, "tuning-path"))
}

func provideLedger(i do.Injector) (*ledger.Ledger, error) {
	return ledger.New(do.MustInvoke[*db.Store](i)), nil
}

func provideService(i do.Injector) (*engine.Service, error) {
	store := do.MustInvoke[*db.Store](i)
	tuning := do.MustInvoke[config.Tuning](i)
	hub := do.MustInvoke[*ws.Hub](i)

	catalog, err := tuning.BuildCatalog()
	if err != nil {
		return nil, err
	}
	if catalog.Empty() {
		log.Printf("[main] gear catalog is empty; passing care rolls will force-fill accumulators")
	}
	var rng engine.RandomProvider = engine.CryptoRNG()
	if seed := do.MustInvokeNamed[uint64](i, "seed"); seed != 0 {
		log.Printf("[main] using seeded RNG (seed=%d)", seed)
		rng = engine.NewSeededRNG(seed)
	}
	return engine.NewService(store, engine.Settings{
		Battle:    tuning.Battle,
		Drop:      tuning.Drop,
		CareCosts: tuning.CareCosts,
		Catalog:   catalog,
	}, rng, hub.Publish), nil
}

func provideAPI(i do.Injector) (*api.Server, error) {
	return api.NewServer(
		do.MustInvoke[*db.Store](i),
		do.MustInvoke[*engine.Service](i),
		do.MustInvoke[*ledger.Ledger](i),
		do.MustInvoke[*ws.Hub](i),
		do.MustInvokeNamed[string](i, "jwt-secret"),
	), nil
}

// ── Commands ─────────────────────────────────────────

func runServer(ctx context.Context, cmd *cli.Command) error {
	i := newInjector(cmd)
	store, err := do.Invoke[*db.Store](i)
	if err != nil {
		return err
	}
	defer store.Close()

	if !cmd.Bool("no-migrate") {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Println("[main] migrations applied")
	}

	srv, err := do.Invoke[*api.Server](i)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{Addr: cmd.String("addr"), Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[main] listening on %s", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	log.Println("[main] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func openStore(cmd *cli.Command) (*db.Store, error) {
	return db.Open(cmd.String("db-driver"), cmd.String("dsn"))
}

func runMigrate(_ context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Println("[main] migrations applied")
	return nil
}

func runExportLedger(ctx context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	path := cmd.String("out")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := audit.ExportLedger(ctx, store, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	log.Printf("[main] exported %d ledger entries to %s", n, path)
	return nil
}

func runCheckLedger(ctx context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	bad, err := audit.Reconcile(ctx, store)
	if err != nil {
		return err
	}
	for _, m := range bad {
		log.Printf("[main] mismatch %s: balance=%d ledger=%d", m.Address, m.Balance, m.LedgerSum)
	}
	if len(bad) > 0 {
		return fmt.Errorf("%d accounts out of balance", len(bad))
	}
	log.Println("[main] ledger consistent")
	return nil
}

func runIssueToken(_ context.Context, cmd *cli.Command) error {
	addr, err := model.CanonicalAddress(cmd.String("address"))
	if err != nil {
		return err
	}
	tok, err := api.MakeToken([]byte(cmd.String("jwt-secret")), model.ChecksumAddress(addr), cmd.String("role"), cmd.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
