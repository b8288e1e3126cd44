package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Account records are stored as BYTEA; history amounts as NUMERIC for exact
// decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	address    BYTEA PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS liquidation_events (
	id               UUID PRIMARY KEY,
	portfolio        BYTEA NOT NULL,
	user_key         BYTEA NOT NULL,
	pre_health       NUMERIC NOT NULL,
	post_health      NUMERIC NOT NULL,
	exposures_closed JSONB NOT NULL,
	realized_pnl     NUMERIC NOT NULL,
	realized_loss    NUMERIC NOT NULL,
	partial          BOOLEAN NOT NULL,
	liquidator       TEXT NOT NULL,
	timestamp        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS liquidation_events_timestamp_idx ON liquidation_events (timestamp DESC);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]RawAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, data FROM accounts ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []RawAccount
	for rows.Next() {
		var addr, data []byte
		if err := rows.Scan(&addr, &data); err != nil {
			return nil, err
		}
		// Addresses of the wrong width cannot be ours; skip like any other
		// foreign record.
		if len(addr) != model.KeySize {
			continue
		}
		accounts = append(accounts, RawAccount{Address: model.Key(addr), Data: data})
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, addr model.Key) (*RawAccount, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM accounts WHERE address = $1`, addr[:]).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", addr, err)
	}
	return &RawAccount{Address: addr, Data: data}, nil
}

// GetAccounts reads all requested rows with a single statement, so every
// record comes from the same snapshot.
func (s *PostgresStore) GetAccounts(ctx context.Context, addrs []model.Key) (map[model.Key][]byte, error) {
	keys := make([][]byte, len(addrs))
	for i := range addrs {
		keys[i] = addrs[i][:]
	}

	rows, err := s.pool.Query(ctx, `SELECT address, data FROM accounts WHERE address = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Key][]byte, len(addrs))
	for rows.Next() {
		var addr, data []byte
		if err := rows.Scan(&addr, &data); err != nil {
			return nil, err
		}
		if len(addr) == model.KeySize {
			out[model.Key(addr)] = data
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutAccount(ctx context.Context, acct RawAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (address, data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (address) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		acct.Address[:], acct.Data,
	)
	return err
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, addr model.Key, prev, next []byte) (bool, error) {
	if prev == nil {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO accounts (address, data, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (address) DO NOTHING`,
			addr[:], next,
		)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET data = $3, updated_at = now()
		 WHERE address = $1 AND data = $2`,
		addr[:], prev, next,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InsertLiquidationEvent(ctx context.Context, ev *model.LiquidationEvent) error {
	closed, err := json.Marshal(ev.ExposuresClosed)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO liquidation_events
		   (id, portfolio, user_key, pre_health, post_health, exposures_closed,
		    realized_pnl, realized_loss, partial, liquidator, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::JSONB, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		ev.ID.String(), ev.Portfolio[:], ev.User[:],
		ev.PreHealth.String(), ev.PostHealth.String(), string(closed),
		ev.RealizedPnL.String(), ev.RealizedLoss.String(),
		ev.Partial, ev.Liquidator, ev.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListLiquidationEvents(ctx context.Context, limit int) ([]model.LiquidationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, portfolio, user_key, pre_health::TEXT, post_health::TEXT,
		        exposures_closed::TEXT, realized_pnl::TEXT, realized_loss::TEXT,
		        partial, liquidator, timestamp
		 FROM liquidation_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLiquidationEvents(rows)
}

// scanLiquidationEvents reads pgx rows into LiquidationEvent slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLiquidationEvents(rows pgxRows) ([]model.LiquidationEvent, error) {
	var events []model.LiquidationEvent
	for rows.Next() {
		var ev model.LiquidationEvent
		var idS, preS, postS, closedS, pnlS, lossS string
		var portfolio, user []byte

		if err := rows.Scan(&idS, &portfolio, &user, &preS, &postS,
			&closedS, &pnlS, &lossS, &ev.Partial, &ev.Liquidator, &ev.Timestamp); err != nil {
			return nil, err
		}

		id, err := uuid.Parse(idS)
		if err != nil {
			return nil, fmt.Errorf("liquidation event id %q: %w", idS, err)
		}
		ev.ID = id
		copy(ev.Portfolio[:], portfolio)
		copy(ev.User[:], user)

		for _, f := range []struct {
			src string
			dst *fixed.Value
		}{
			{preS, &ev.PreHealth},
			{postS, &ev.PostHealth},
			{pnlS, &ev.RealizedPnL},
			{lossS, &ev.RealizedLoss},
		} {
			if *f.dst, err = fixed.Parse(f.src); err != nil {
				return nil, fmt.Errorf("liquidation event %s: %w", idS, err)
			}
		}
		if err := json.Unmarshal([]byte(closedS), &ev.ExposuresClosed); err != nil {
			return nil, fmt.Errorf("liquidation event %s exposures: %w", idS, err)
		}

		events = append(events, ev)
	}
	return events, rows.Err()
}
