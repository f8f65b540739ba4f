// Package analyze runs the background graph analyses: pair
// classification (supersedes/contradicts), circular-dependency
// detection, structural validation sweeps, staleness and
// dormant-alternative reports, assumption monitoring, and the
// cross-user contradiction scan triggered on save.
package analyze

import (
	"log/slog"
	"time"

	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/service/decisions"
	"github.com/engramhq/engram/internal/storage"
)

// Config tunes the analyzers.
type Config struct {
	// PairConfidenceThreshold gates writing SUPERSEDES/CONTRADICTS edges
	// from pair verdicts.
	PairConfidenceThreshold float64
	CycleMaxDepth           int
	MaxCyclesPerType        int
	DormantMinAge           time.Duration
	DormantAgeWeight        float64
	DormantConfidenceWeight float64
	CrossUserScanLimit      int
}

func (c *Config) defaults() {
	if c.PairConfidenceThreshold <= 0 {
		c.PairConfidenceThreshold = 0.6
	}
	if c.CycleMaxDepth <= 0 {
		c.CycleMaxDepth = 20
	}
	if c.MaxCyclesPerType <= 0 {
		c.MaxCyclesPerType = 10
	}
	if c.DormantMinAge <= 0 {
		c.DormantMinAge = 14 * 24 * time.Hour
	}
	if c.DormantAgeWeight <= 0 {
		c.DormantAgeWeight = 0.6
	}
	if c.DormantConfidenceWeight <= 0 {
		c.DormantConfidenceWeight = 0.4
	}
	if c.CrossUserScanLimit <= 0 {
		c.CrossUserScanLimit = 20
	}
}

// Analyzer holds the shared dependencies of every analysis.
type Analyzer struct {
	db     *storage.DB
	infra  *llm.Infra
	writer *decisions.Service
	cfg    Config
	logger *slog.Logger
}

func New(db *storage.DB, infra *llm.Infra, writer *decisions.Service, cfg Config, logger *slog.Logger) *Analyzer {
	cfg.defaults()
	return &Analyzer{db: db, infra: infra, writer: writer, cfg: cfg, logger: logger}
}
