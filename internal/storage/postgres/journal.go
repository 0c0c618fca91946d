// Package postgres stores the audit trail (trades, decisions, emergency stops)
// in Postgres through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Transaction is satisfied by both the pool and a pgx.Tx.
type Transaction interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var schema = []string{
	`create table if not exists trades (
		id text primary key,
		instrument text not null,
		side text not null,
		size numeric not null,
		open_price numeric not null,
		close_price numeric,
		stop_loss numeric,
		take_profit numeric,
		open_time timestamptz not null,
		close_time timestamptz,
		status text not null,
		realized_pnl numeric,
		confidence numeric,
		strategy text,
		close_reason text
	)`,
	`create index if not exists idx_trades_close_time on trades(close_time desc)`,
	`create table if not exists decisions (
		id bigserial primary key,
		ts timestamptz not null,
		instrument text not null,
		price numeric,
		action text not null,
		confidence numeric,
		outcome text,
		details jsonb
	)`,
	`create table if not exists emergency_stops (
		id bigserial primary key,
		ts timestamptz not null,
		kind text not null,
		message text
	)`,
}

const upsertTrade = `insert into trades
	(id, instrument, side, size, open_price, close_price, stop_loss, take_profit,
	 open_time, close_time, status, realized_pnl, confidence, strategy, close_reason)
	values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	on conflict (id) do update set
		close_price = excluded.close_price,
		close_time = excluded.close_time,
		status = excluded.status,
		realized_pnl = excluded.realized_pnl,
		close_reason = excluded.close_reason`

// Journal implements interfaces.Journal.
type Journal struct {
	pool *pgxpool.Pool
}

var _ interfaces.Journal = (*Journal)(nil)

// New connects to dsn and ensures the tables exist.
func New(ctx context.Context, dsn string) (*Journal, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	j := &Journal{pool: pool}
	if err := j.inTx(ctx, ensureSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() { j.pool.Close() }

func ensureSchema(ctx context.Context, tx Transaction) error {
	for _, s := range schema {
		if _, err := tx.Exec(ctx, s); err != nil {
			return fmt.Errorf("ensureSchema: %w", err)
		}
	}
	return nil
}

func (j *Journal) inTx(ctx context.Context, f func(ctx context.Context, tx Transaction) error) (err error) {
	tx, err := j.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin tx, err: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	if err = f(ctx, tx); err != nil {
		return fmt.Errorf("failed to run fn, err: %w", err)
	}
	return nil
}

func tradeArgs(t types.Trade) []any {
	return []any{
		t.ID, t.Instrument, string(t.Side), t.Size, t.OpenPrice, t.ClosePrice,
		nullIfZero(t.StopLoss), nullIfZero(t.TakeProfit),
		t.OpenTime, t.CloseTime, string(t.Status), t.RealizedPnL,
		t.Confidence, t.Strategy, t.CloseReason,
	}
}

func nullIfZero(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

// RecordTrade upserts t. The open row is written once and later updated with
// the close fields.
func (j *Journal) RecordTrade(ctx context.Context, t types.Trade) error {
	_, err := j.pool.Exec(ctx, upsertTrade, tradeArgs(t)...)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", t.ID, err)
	}
	return nil
}

func decisionArgs(d types.DecisionRecord) ([]any, error) {
	details, err := json.Marshal(struct {
		Technical  types.Signal       `json:"technical"`
		Predictor  types.Signal       `json:"predictor"`
		Indicators types.IndicatorSet `json:"indicators"`
	}{d.Technical, d.Predictor, d.Indicators})
	if err != nil {
		return nil, err
	}
	return []any{d.Time, d.Instrument, d.Price, string(d.Fused.Action), d.Fused.Confidence, d.Outcome, details}, nil
}

func (j *Journal) RecordDecision(ctx context.Context, d types.DecisionRecord) error {
	args, err := decisionArgs(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = j.pool.Exec(ctx,
		`insert into decisions (ts, instrument, price, action, confidence, outcome, details)
		 values ($1,$2,$3,$4,$5,$6,$7)`, args...)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

func (j *Journal) RecordEmergencyStop(ctx context.Context, r types.EmergencyStopRecord) error {
	_, err := j.pool.Exec(ctx,
		`insert into emergency_stops (ts, kind, message) values ($1,$2,$3)`,
		r.Timestamp, string(r.Kind), r.Message)
	if err != nil {
		return fmt.Errorf("record emergency stop: %w", err)
	}
	logger.Debug(ctx, "Emergency stop persisted", "kind", r.Kind)
	return nil
}

// RecentStops returns up to limit emergency stops, newest first.
func (j *Journal) RecentStops(ctx context.Context, limit int) ([]types.EmergencyStopRecord, error) {
	return recentStops(ctx, j.pool, limit)
}

func recentStops(ctx context.Context, tx Transaction, limit int) ([]types.EmergencyStopRecord, error) {
	rows, err := tx.Query(ctx, `select ts, kind, coalesce(message, '') from emergency_stops order by ts desc limit $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query emergency stops: %w", err)
	}
	defer rows.Close()
	var out []types.EmergencyStopRecord
	for rows.Next() {
		var (
			r    types.EmergencyStopRecord
			kind string
		)
		if err := rows.Scan(&r.Timestamp, &kind, &r.Message); err != nil {
			return nil, err
		}
		r.Kind = types.StopKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RealizedSince sums the realized P&L of trades closed at or after since.
func (j *Journal) RealizedSince(ctx context.Context, since time.Time) (float64, int, error) {
	var (
		pnl float64
		n   int
	)
	err := j.pool.QueryRow(ctx,
		`select coalesce(sum(realized_pnl), 0)::float8, count(*) from trades where status = $1 and close_time >= $2`,
		string(types.TradeClosed), since).Scan(&pnl, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("query realized pnl: %w", err)
	}
	return pnl, n, nil
}
