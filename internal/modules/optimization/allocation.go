package optimization

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Policy selects how an Allocation is produced.
type Policy string

const (
	PolicyEqualWeight Policy = "equal_weight"
	PolicyMinVariance Policy = "min_variance"
	PolicyMaxSharpe   Policy = "max_sharpe"
)

// Policies lists every policy in report order.
var Policies = []Policy{PolicyEqualWeight, PolicyMinVariance, PolicyMaxSharpe}

// Label returns the column label used in reports.
func (p Policy) Label() string {
	switch p {
	case PolicyEqualWeight:
		return "Equal-Weight"
	case PolicyMinVariance:
		return "Min-Vol"
	case PolicyMaxSharpe:
		return "Max-Sharpe"
	default:
		return string(p)
	}
}

// ParsePolicy accepts either the policy identifier or its report label,
// case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, p := range Policies {
		if key == string(p) || key == strings.ToLower(p.Label()) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown allocation policy: %q", s)
}

// Config holds the allocator settings. There are no package-level defaults in
// effect; callers pass a Config explicitly.
type Config struct {
	FunctionTolerance     float64
	MaxIterations         int
	TradingPeriodsPerYear int
	RiskFreeRate          float64
	FeasibilityTolerance  float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FunctionTolerance:     DefaultFunctionTolerance,
		MaxIterations:         DefaultMaxIterations,
		TradingPeriodsPerYear: DefaultTradingPeriodsPerYear,
		RiskFreeRate:          0,
		FeasibilityTolerance:  DefaultFeasibilityTolerance,
	}
}

// Validate checks the configuration for values the solver cannot use.
func (c Config) Validate() error {
	if c.FunctionTolerance <= 0 {
		return fmt.Errorf("function tolerance must be positive, got %g", c.FunctionTolerance)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	if c.TradingPeriodsPerYear <= 0 {
		return fmt.Errorf("trading periods per year must be positive, got %d", c.TradingPeriodsPerYear)
	}
	if c.FeasibilityTolerance <= 0 {
		return fmt.Errorf("feasibility tolerance must be positive, got %g", c.FeasibilityTolerance)
	}
	return nil
}

// Settings returns the solver settings contained in c.
func (c Config) Settings() Settings {
	return Settings{
		FunctionTolerance:    c.FunctionTolerance,
		MaxIterations:        c.MaxIterations,
		FeasibilityTolerance: c.FeasibilityTolerance,
	}
}

// Allocation is a feasible weight vector in universe order.
type Allocation struct {
	Policy  Policy
	Tickers []string
	Weights []float64
	// Iterations is zero for EqualWeight.
	Iterations int
}

// Weight returns the weight assigned to ticker.
func (a *Allocation) Weight(ticker string) (float64, bool) {
	for i, t := range a.Tickers {
		if t == ticker {
			return a.Weights[i], true
		}
	}
	return 0, false
}

// Allocator turns a return matrix into an Allocation. It holds no mutable
// state and is safe for concurrent use.
type Allocator struct {
	cfg       Config
	optimizer *MVOptimizer
	log       zerolog.Logger
}

// NewAllocator creates an allocator with cfg.
func NewAllocator(cfg Config, log zerolog.Logger) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid allocator config: %w", err)
	}
	return &Allocator{
		cfg:       cfg,
		optimizer: NewMVOptimizer(cfg.Settings(), log),
		log:       log.With().Str("component", "allocator").Logger(),
	}, nil
}

// Config returns the allocator configuration.
func (a *Allocator) Config() Config {
	return a.cfg
}

// Statistics returns the annualized statistics of m under the allocator's
// period convention.
func (a *Allocator) Statistics(m *ReturnMatrix) (Statistics, error) {
	return ComputeAnnualizedStatistics(m, a.cfg.TradingPeriodsPerYear)
}

// Allocate produces the weights for policy over m. riskFreeRate is only used
// by PolicyMaxSharpe.
func (a *Allocator) Allocate(policy Policy, m *ReturnMatrix, riskFreeRate float64) (*Allocation, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil return matrix", ErrInsufficientData)
	}

	alloc := &Allocation{Policy: policy, Tickers: m.Tickers()}

	switch policy {
	case PolicyEqualWeight:
		alloc.Weights = EqualWeights(m.Assets())
		return alloc, nil
	case PolicyMinVariance, PolicyMaxSharpe:
	default:
		return nil, fmt.Errorf("unknown allocation policy: %q", policy)
	}

	stats, err := a.Statistics(m)
	if err != nil {
		return nil, err
	}

	var sol *Solution
	if policy == PolicyMinVariance {
		sol, err = a.optimizer.MinVariance(stats.Covariance)
	} else {
		sol, err = a.optimizer.MaxSharpe(stats.Mean, stats.Covariance, riskFreeRate)
	}
	if err != nil {
		return nil, fmt.Errorf("%s allocation: %w", policy, err)
	}

	a.log.Debug().
		Str("policy", string(policy)).
		Int("num_assets", m.Assets()).
		Int("iterations", sol.Iterations).
		Msg("Allocation computed")

	alloc.Weights = sol.Weights
	alloc.Iterations = sol.Iterations
	return alloc, nil
}
