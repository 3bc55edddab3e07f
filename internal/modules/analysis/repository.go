package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrRunNotFound is returned when no run has the requested ID.
	ErrRunNotFound = errors.New("analysis run not found")
	// ErrNoSnapshot is returned when a run carries no stored snapshot.
	ErrNoSnapshot = errors.New("analysis run has no snapshot")
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// Repository persists analysis runs in the analysis_* tables.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new analysis repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "analysis").Logger(),
	}
}

// Save stores a run with its allocations and weights in one transaction.
func (r *Repository) Save(ctx context.Context, run *Run) error {
	if run.Snapshot == nil {
		return ErrNoSnapshot
	}
	blob, err := msgpack.Marshal(run.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	tickers, err := json.Marshal(run.Tickers)
	if err != nil {
		return fmt.Errorf("failed to encode tickers: %w", err)
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_runs
				(id, source, created_at, risk_free_rate, periods_per_year, num_periods, start_date, end_date, tickers, snapshot)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, run.Source, run.CreatedAt.Unix(), run.RiskFreeRate, run.PeriodsPerYear, run.NumPeriods,
			nullString(run.StartDate), nullString(run.EndDate), string(tickers), blob)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for _, p := range run.Portfolios {
			var sharpe sql.NullFloat64
			if p.SharpeRatio != nil {
				sharpe = sql.NullFloat64{Float64: *p.SharpeRatio, Valid: true}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO analysis_allocations
					(run_id, policy, annualized_return, annualized_volatility, sharpe_ratio, max_drawdown, iterations)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, run.ID, string(p.Policy), p.AnnualizedReturn, p.AnnualizedVolatility, sharpe, p.MaxDrawdown, p.Iterations)
			if err != nil {
				return fmt.Errorf("failed to insert %s allocation: %w", p.Policy, err)
			}

			for pos, ticker := range run.Tickers {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO analysis_weights (run_id, policy, position, ticker, weight)
					VALUES (?, ?, ?, ?, ?)
				`, run.ID, string(p.Policy), pos, ticker, p.Weights[ticker])
				if err != nil {
					return fmt.Errorf("failed to insert %s weight for %s: %w", p.Policy, ticker, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().Str("run_id", run.ID).Int("portfolios", len(run.Portfolios)).Msg("Saved analysis run")
	return nil
}

// Get loads a run with its portfolios and snapshot.
func (r *Repository) Get(ctx context.Context, id string) (*Run, error) {
	var (
		run        Run
		createdAt  int64
		start, end sql.NullString
		tickers    string
		blob       []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, source, created_at, risk_free_rate, periods_per_year, num_periods, start_date, end_date, tickers, snapshot
		FROM analysis_runs WHERE id = ?
	`, id).Scan(&run.ID, &run.Source, &createdAt, &run.RiskFreeRate, &run.PeriodsPerYear, &run.NumPeriods,
		&start, &end, &tickers, &blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	run.StartDate = start.String
	run.EndDate = end.String
	if err := json.Unmarshal([]byte(tickers), &run.Tickers); err != nil {
		return nil, fmt.Errorf("failed to decode tickers of run %s: %w", id, err)
	}
	run.Snapshot = &Snapshot{}
	if err := msgpack.Unmarshal(blob, run.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot of run %s: %w", id, err)
	}

	if run.Portfolios, err = r.portfolios(ctx, id); err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *Repository) portfolios(ctx context.Context, id string) ([]Portfolio, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT policy, annualized_return, annualized_volatility, sharpe_ratio, max_drawdown, iterations
		FROM analysis_allocations WHERE run_id = ? ORDER BY rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations of run %s: %w", id, err)
	}
	defer rows.Close()

	var portfolios []Portfolio
	index := make(map[optimization.Policy]int)
	for rows.Next() {
		var (
			p      Portfolio
			policy string
			sharpe sql.NullFloat64
		)
		if err := rows.Scan(&policy, &p.AnnualizedReturn, &p.AnnualizedVolatility, &sharpe, &p.MaxDrawdown, &p.Iterations); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		p.Policy = optimization.Policy(policy)
		p.Label = p.Policy.Label()
		p.Weights = make(map[string]float64)
		if sharpe.Valid {
			v := sharpe.Float64
			p.SharpeRatio = &v
		}
		index[p.Policy] = len(portfolios)
		portfolios = append(portfolios, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}

	wrows, err := r.db.QueryContext(ctx, `
		SELECT policy, ticker, weight FROM analysis_weights WHERE run_id = ? ORDER BY policy, position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query weights of run %s: %w", id, err)
	}
	defer wrows.Close()

	for wrows.Next() {
		var (
			policy, ticker string
			weight         float64
		)
		if err := wrows.Scan(&policy, &ticker, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan weight: %w", err)
		}
		i, ok := index[optimization.Policy(policy)]
		if !ok {
			r.log.Warn().Str("run_id", id).Str("policy", policy).Msg("Weight without allocation")
			continue
		}
		portfolios[i].Weights[ticker] = weight
	}
	if err := wrows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating weights: %w", err)
	}
	return portfolios, nil
}

// List returns the most recent runs first. A non-positive limit uses
// DefaultListLimit.
func (r *Repository) List(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source, created_at, num_periods, tickers
		FROM analysis_runs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	summaries := make([]RunSummary, 0)
	for rows.Next() {
		var (
			s         RunSummary
			createdAt int64
			tickers   string
		)
		if err := rows.Scan(&s.ID, &s.Source, &createdAt, &s.NumPeriods, &tickers); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		s.CreatedAt = time.Unix(createdAt, 0).UTC()
		if err := json.Unmarshal([]byte(tickers), &s.Tickers); err != nil {
			r.log.Warn().Err(err).Str("run_id", s.ID).Msg("Failed to decode tickers")
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return summaries, nil
}

// Delete removes a run. Allocations and weights cascade.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM analysis_runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// Count returns the number of stored runs.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM analysis_runs").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
