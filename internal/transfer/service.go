package transfer

import (
	"github.com/go-playground/validator/v10"
)

// Config tunes engine behavior.
type Config struct {
	Marker        string // foreign-origin marker for user-centric imports
	WarningsLimit int    // warnings returned for display; the total is always reported
}

// Engine imports archives into the destination store and reverts imports.
type Engine struct {
	store    Store
	media    MediaStore
	opener   ArchiveOpener
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	metrics  Metrics
	cfg      Config
	validate *validator.Validate
}

// NewEngine creates an Engine. A nil metrics sink discards metrics.
func NewEngine(store Store, media MediaStore, opener ArchiveOpener, logger Logger, clock Clock, idgen IDGenerator, metrics Metrics, cfg Config) *Engine {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.WarningsLimit <= 0 {
		cfg.WarningsLimit = DefaultWarningsLimit
	}
	return &Engine{
		store:    store,
		media:    media,
		opener:   opener,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		metrics:  metrics,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (e *Engine) validateRequest(op string, req any) error {
	if err := e.validate.Struct(req); err != nil {
		return &Error{Code: CodeInvalidRequest, Op: op, Err: err}
	}
	return nil
}
