package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/GarethWright/magic8bot/internal/adapter"
	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/storage"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/GarethWright/magic8bot/internal/venue/binance"
	"github.com/GarethWright/magic8bot/internal/venue/coinbase"
	"github.com/GarethWright/magic8bot/internal/venue/paper"
	"github.com/shopspring/decimal"
)

const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// factories maps exchange names to live bindings.
var factories = map[string]func(infra.ExchangeConfig) (venue.Binding, error){
	coinbase.Name: coinbase.New,
	binance.Name:  binance.New,
}

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Journal  *storage.Journal
	Adapters []*adapter.Adapter

	unlock func()
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Mode is the configured run mode, defaulting to live.
func (b *Bootstrap) Mode() string {
	mode := strings.ToLower(b.Config.App.Mode)
	if mode == "" {
		return ModeLive
	}
	return mode
}

// Initialize loads configuration, sets up logging and opens the journal.
func (b *Bootstrap) Initialize() error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	if cfg.SecretsPath != "" {
		secrets, err := infra.LoadSecretConfig(cfg.SecretsPath)
		if err != nil {
			return err
		}
		secrets.Apply(cfg)
	}
	b.Config = cfg

	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("Bootstrapping magic8bot", "mode", b.Mode(), "exchanges", len(cfg.Exchanges))

	workDir := infra.GetWorkspaceDir()
	if err := infra.EnsureDir(workDir); err != nil {
		return fmt.Errorf("failed to create workspace dir: %w", err)
	}

	// one process per workspace; the journal is single-writer
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	dbPath := cfg.Journal.Path
	if dbPath == "" {
		dataDir := infra.DataDir(workDir, b.Mode())
		if err := infra.EnsureDir(dataDir); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath = filepath.Join(dataDir, "journal.db")
	}

	journal, err := storage.NewJournal(dbPath)
	if err != nil {
		return err
	}
	b.Journal = journal
	if err := journal.UpsertMetadata(context.Background(), "mode", b.Mode()); err != nil {
		slog.Warn("Journal metadata write failed", "err", err)
	}
	slog.Info("Journal initialized (WAL-mode)", "path", dbPath)
	return nil
}

// NewBinding builds the vendor binding for one exchange. In paper mode every
// exchange is backed by a simulated book seeded with balances.
func NewBinding(mode string, ec infra.ExchangeConfig, balances map[string]string) (venue.Binding, []adapter.Option, error) {
	if mode == ModePaper || ec.Name == paper.Name {
		ex := paper.New()
		for _, id := range ec.Products {
			ex.AddProduct(id)
		}
		for currency, amount := range balances {
			d, err := decimal.NewFromString(amount)
			if err != nil {
				return venue.Binding{}, nil, &domain.ConfigurationError{Field: "paper.balances." + currency, Reason: "not a decimal"}
			}
			ex.Deposit(currency, d)
		}

		b := ex.Binding()
		if ec.Name != paper.Name {
			b.Info.Name = paper.Name + "-" + ec.Name
		}
		return b, []adapter.Option{adapter.WithDialer(ex.Dial)}, nil
	}

	factory, ok := factories[ec.Name]
	if !ok {
		return venue.Binding{}, nil, &domain.ConfigurationError{Exchange: ec.Name, Field: "name", Reason: "unsupported exchange"}
	}
	b, err := factory(ec)
	if err != nil {
		return venue.Binding{}, nil, err
	}

	breaker := infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig(ec.Name))
	return b, []adapter.Option{adapter.WithBreaker(breaker)}, nil
}

// StartAdapters builds one adapter per configured exchange and starts the
// feeds for its products. Adapters live until ctx is done.
func (b *Bootstrap) StartAdapters(ctx context.Context) error {
	for _, ec := range b.Config.Exchanges {
		binding, opts, err := NewBinding(b.Mode(), ec, b.Config.Paper.Balances)
		if err != nil {
			return err
		}
		if b.Journal != nil {
			opts = append(opts, adapter.WithJournal(b.Journal))
		}

		a := adapter.New(binding, adapter.ConfigFrom(ec), opts...)
		a.Start(ctx, ec.Products...)
		b.Adapters = append(b.Adapters, a)

		slog.Info("Adapter started",
			slog.String("exchange", binding.Info.Name),
			slog.Bool("authenticated", binding.Authenticated),
			slog.Any("products", ec.Products))
	}
	return nil
}

// Shutdown closes adapters, then the journal, then releases the lock.
func (b *Bootstrap) Shutdown() error {
	var errs []error
	for _, a := range b.Adapters {
		errs = append(errs, a.Close())
	}
	if b.Journal != nil {
		errs = append(errs, b.Journal.Close())
	}
	if b.unlock != nil {
		b.unlock()
	}
	return errors.Join(errs...)
}

// PrintBanner writes the startup banner to stdout.
func (b *Bootstrap) PrintBanner() {
	infra.PrintBanner(os.Stdout, b.Config)
}
