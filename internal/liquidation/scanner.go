// Package liquidation finds and closes out under-margined portfolios.
//
// A Scanner ranks liquidatable portfolios from one enumeration of the
// account store. An Executor re-checks a single portfolio, sizes a closeout
// and submits it to the router. A Keeper runs the two on a timer with a
// bounded worker pool. Several keepers may run against the same store at
// once; the router serializes the actual state changes.
package liquidation

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/atmx/risk-engine/internal/account"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/oracle"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/store"
)

// Candidate is a liquidatable portfolio and its risk figures at scan time.
type Candidate struct {
	Portfolio *model.Portfolio `json:"portfolio"`
	Derived   model.Derived    `json:"derived"`
}

// Unpriced is a portfolio the scan could not evaluate.
type Unpriced struct {
	Address model.Key `json:"address"`
	Err     error     `json:"-"`
}

// Report is the result of one scan.
type Report struct {
	At         time.Time
	Candidates []Candidate // health ascending
	Unpriced   []Unpriced
	Scanned    int
	Skipped    int
}

// All yields the candidates, most underwater first.
func (r *Report) All() iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for _, c := range r.Candidates {
			if !yield(c) {
				return
			}
		}
	}
}

// Scanner evaluates every portfolio in the store. It keeps no state between
// scans and never writes.
type Scanner struct {
	store store.Store
	feed  *oracle.Feed
	now   func() time.Time
}

// NewScanner creates a scanner.
func NewScanner(st store.Store, feed *oracle.Feed) *Scanner {
	return &Scanner{store: st, feed: feed, now: time.Now}
}

// WithClock overrides the clock used for price freshness.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Scan enumerates accounts, skips records that are not well-formed
// portfolios, and evaluates the rest against one price snapshot.
func (s *Scanner) Scan(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := s.now()

	accts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := s.feed.SnapshotAll(ctx, now)
	if err != nil {
		return nil, err
	}

	r := &Report{At: now}
	for _, acct := range accts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if account.KindOf(acct.Data) == account.KindOracle {
			continue
		}
		p, err := account.DecodePortfolio(acct.Address, acct.Data)
		if err != nil {
			slog.Debug("scan skipped record", "address", acct.Address.String(), "error", err)
			metrics.ScanSkippedRecords.WithLabelValues("malformed").Inc()
			r.Skipped++
			continue
		}
		r.Scanned++

		d, err := risk.Evaluate(p, snap)
		if err != nil {
			metrics.ScanSkippedRecords.WithLabelValues("unpriced").Inc()
			r.Unpriced = append(r.Unpriced, Unpriced{Address: p.Address, Err: err})
			continue
		}
		if d.Liquidatable() {
			r.Candidates = append(r.Candidates, Candidate{Portfolio: p, Derived: d})
		}
	}

	slices.SortFunc(r.Candidates, func(a, b Candidate) int {
		if c := a.Derived.Health.Cmp(b.Derived.Health); c != 0 {
			return c
		}
		return bytes.Compare(a.Portfolio.Address[:], b.Portfolio.Address[:])
	})

	metrics.ScansTotal.Inc()
	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	metrics.LiquidatablePortfolios.Set(float64(len(r.Candidates)))
	return r, nil
}
