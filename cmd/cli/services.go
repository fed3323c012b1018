package cli

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/anstrom/portsim/internal/config"
	"github.com/anstrom/portsim/internal/history"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
	"github.com/anstrom/portsim/internal/scanning"
)

const historyOpenTimeout = 10 * time.Second

// newClassifier and engineOptions are replaced in tests.
var (
	newClassifier = func() scanning.Classifier {
		return scanning.NewRandomClassifier(rand.Float64)
	}
	engineOptions []scanning.Option
)

// services holds the long-lived components shared by commands.
type services struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
	history *history.Store
	engine  *scanning.Engine
}

// newServices opens the history store, falling back to memory when the
// database is unavailable, and builds a scan engine recording into it.
func newServices(ctx context.Context, cfg *config.Config, logger *logging.Logger) *services {
	m := metrics.GetGlobalMetrics()

	openCtx, cancel := context.WithTimeout(ctx, historyOpenTimeout)
	defer cancel()
	store := history.OpenOrMemory(openCtx, cfg.History,
		history.WithLogger(logger.WithComponent("history")),
		history.WithMetrics(m))

	opts := []scanning.Option{
		scanning.WithLogger(logger.WithComponent("scanner")),
		scanning.WithMetrics(m),
		scanning.WithRecorder(store),
	}
	opts = append(opts, engineOptions...)

	return &services{
		config:  cfg,
		logger:  logger,
		metrics: m,
		history: store,
		engine:  scanning.NewEngine(newClassifier(), opts...),
	}
}

// Close stops any running scan and releases the history store.
func (s *services) Close(ctx context.Context) {
	if err := s.engine.Close(ctx); err != nil {
		s.logger.Warn("Scan engine did not stop cleanly", "error", err)
	}
	if err := s.history.Close(); err != nil {
		s.logger.ErrorHistory("Failed to close history store", err)
	}
}
