package shardq

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxPipelines     = 25
	defaultMaxCachedResults = 25
	defaultBulkQueueSize    = 100
	defaultBulkQueueTimeout = 10 * time.Millisecond
)

// Options configure evaluators and bulk pipelines. The tagged fields can be
// loaded from YAML; the rest are wired in code.
type Options struct {
	// MaxPipelines is the number of evaluation contexts, i.e. the bound on
	// concurrent evaluations.
	MaxPipelines int `yaml:"max_pipelines"`
	// MaxCachedResults bounds completed results buffered ahead of the caller.
	MaxCachedResults int `yaml:"max_cached_results"`
	// SerialPipeline evaluates on the caller's goroutine.
	SerialPipeline bool `yaml:"serial_pipeline"`
	// MoveStepThreshold is passed to scanners built from these options.
	MoveStepThreshold int `yaml:"move_step_threshold"`

	BulkQueueSize    int           `yaml:"bulk_queue_size"`
	BulkQueueTimeout time.Duration `yaml:"bulk_queue_timeout"`
	BulkWorkers      StageWorkers  `yaml:"bulk_workers"`

	// FetchDocument, IndexOnlyFields and the predicate determine the
	// enrichment plan; see PlanFor.
	FetchDocument   bool     `yaml:"fetch_document"`
	IndexOnlyFields []string `yaml:"index_only_fields"`

	Plan     EnrichPlan     `yaml:"-"`
	Fetchers FetcherFactory `yaml:"-"`
	Executor Executor       `yaml:"-"`
	Logger   *slog.Logger   `yaml:"-"`
	Metrics  *Metrics       `yaml:"-"`
}

type StageWorkers struct {
	Aggregate int `yaml:"aggregate"`
	Enrich    int `yaml:"enrich"`
	Evaluate  int `yaml:"evaluate"`
}

func DefaultOptions() Options {
	return Options{
		MaxPipelines:      defaultMaxPipelines,
		MaxCachedResults:  defaultMaxCachedResults,
		MoveStepThreshold: defaultMoveStepThreshold,
		BulkQueueSize:     defaultBulkQueueSize,
		BulkQueueTimeout:  defaultBulkQueueTimeout,
		BulkWorkers:       StageWorkers{1, 1, 1},
	}
}

// LoadOptions reads YAML options from path on top of DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opt := DefaultOptions()
	raw, err := os.ReadFile(path)
	if err != nil {
		return opt, err
	}
	if err := yaml.Unmarshal(raw, &opt); err != nil {
		return opt, fmt.Errorf("%s: %w", path, err)
	}
	if err := opt.Validate(); err != nil {
		return opt, fmt.Errorf("%s: %w", path, err)
	}
	return opt, nil
}

// Validate checks every setting, as LoadOptions does. Constructors check
// only the settings they use.
func (opt Options) Validate() error {
	return errors.Join(opt.validateEvaluator(), opt.validateBulk())
}

func (opt Options) validateEvaluator() error {
	var errs []error
	if opt.MaxPipelines < 1 {
		errs = append(errs, fmt.Errorf("max_pipelines = %d, must be at least 1", opt.MaxPipelines))
	}
	if opt.MaxCachedResults < 1 {
		errs = append(errs, fmt.Errorf("max_cached_results = %d, must be at least 1", opt.MaxCachedResults))
	}
	if opt.MoveStepThreshold < 0 {
		errs = append(errs, fmt.Errorf("move_step_threshold = %d, must not be negative", opt.MoveStepThreshold))
	}
	return errors.Join(errs...)
}

func (opt Options) validateBulk() error {
	var errs []error
	if opt.BulkQueueSize < 1 {
		errs = append(errs, fmt.Errorf("bulk_queue_size = %d, must be at least 1", opt.BulkQueueSize))
	}
	if opt.BulkQueueTimeout <= 0 {
		errs = append(errs, fmt.Errorf("bulk_queue_timeout = %v, must be positive", opt.BulkQueueTimeout))
	}
	w := opt.BulkWorkers
	if w.Aggregate < 1 || w.Enrich < 1 || w.Evaluate < 1 {
		errs = append(errs, fmt.Errorf("bulk_workers = %+v, each stage needs at least one worker", w))
	}
	return errors.Join(errs...)
}

// planFor returns the explicit Plan when set, otherwise derives one from an
// Expr predicate.
func (opt Options) planFor(pred Predicate) EnrichPlan {
	if !opt.Plan.IsZero() {
		return opt.Plan
	}
	if e, ok := pred.(Expr); ok {
		return PlanFor(e, opt.FetchDocument, opt.IndexOnlyFields...)
	}
	return EnrichPlan{FetchDocument: opt.FetchDocument}
}

// ScannerOptions returns scanner options sharing these options' logger,
// metrics and move threshold.
func (opt Options) ScannerOptions() ScannerOptions {
	return ScannerOptions{
		MoveStepThreshold: opt.MoveStepThreshold,
		Logger:            opt.Logger,
		Metrics:           opt.Metrics,
	}
}
