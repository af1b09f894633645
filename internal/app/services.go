package app

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/tuition-ledger/internal/billing"
	"github.com/odyssey-erp/tuition-ledger/internal/doccode"
	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
	"github.com/odyssey-erp/tuition-ledger/internal/slip"
)

// Services bundles the billing services shared by the API, the worker and the CLI.
type Services struct {
	Ledger      *ledger.Service
	Generation  *billing.GenerationService
	Batch       *billing.BatchFeeService
	Slips       *billing.SlipService
	Tuition     *billing.TuitionService
	Idempotency *shared.IdempotencyStore
	Gateway     slip.Gateway
}

// NewSlipGateway selects the slip provider named by SLIP_PROVIDER.
func NewSlipGateway(cfg *Config) (slip.Gateway, error) {
	switch cfg.SlipProvider {
	case SlipProviderHTTP:
		return slip.NewHTTPGateway(slip.HTTPConfig{
			BaseURL: cfg.SlipGatewayURL,
			Token:   cfg.SlipGatewayToken,
			Timeout: cfg.SlipGatewayTimeout,
		})
	case SlipProviderMidtrans:
		return slip.NewMidtransGateway(slip.MidtransConfig{
			ServerKey:  cfg.MidtransServerKey,
			Production: cfg.MidtransProduction,
		})
	case SlipProviderNone, "":
		return slip.NoopGateway{}, nil
	default:
		return nil, fmt.Errorf("unknown slip provider %q", cfg.SlipProvider)
	}
}

// NewServices wires the billing services on top of PostgreSQL and Redis.
func NewServices(cfg *Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, registerer prometheus.Registerer) (*Services, error) {
	gateway, err := NewSlipGateway(cfg)
	if err != nil {
		return nil, err
	}
	store := ledger.NewRepository(pool)
	directory := billing.NewPostgresDirectory(pool)
	return newServices(cfg, logger, store, directory, gateway, rdb, registerer, shared.NewIdempotencyStore(pool)), nil
}

func newServices(cfg *Config, logger *slog.Logger, store ledger.Store, directory billing.Directory, gateway slip.Gateway, rdb *redis.Client, registerer prometheus.Registerer, idem *shared.IdempotencyStore) *Services {
	metrics := billing.NewMetrics(registerer)
	window := slip.NewWindow(cfg.SlipEligibilityDays)
	sequencer := doccode.NewSequencer(store, logger)
	locker := shared.NewStudentLocker(rdb, cfg.BillingLockTTL)

	generation := billing.NewGenerationService(store, directory, sequencer, gateway, locker, logger, billing.Options{
		DueDay:   cfg.BillingDueDay,
		Location: cfg.Location(),
		Window:   window,
		Metrics:  metrics,
	})
	return &Services{
		Ledger:      ledger.NewService(store, logger),
		Generation:  generation,
		Batch:       billing.NewBatchFeeService(generation, logger),
		Slips:       billing.NewSlipService(store, directory, gateway, window, metrics, logger),
		Tuition:     billing.NewTuitionService(directory, logger),
		Idempotency: idem,
		Gateway:     gateway,
	}
}

// Handler builds the HTTP handler for the billing routes.
func (s *Services) Handler(cfg *Config, logger *slog.Logger) *billing.Handler {
	return billing.NewHandler(logger, s.Generation, s.Batch, s.Slips, s.Ledger, s.Tuition, cfg.SlipWebhookToken)
}
