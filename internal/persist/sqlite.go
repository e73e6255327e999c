package persist

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// SQLiteSink 订单持久化镜像。所有写入都是尽力而为：
// 调用方收到错误后只记录并继续，不回滚内存状态。
type SQLiteSink struct {
	db *sql.DB

	mu        sync.RWMutex
	sessionID string
}

// Open 打开（或创建）sqlite数据库并完成建表。
func Open(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteSink{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			realized_pnl TEXT NOT NULL DEFAULT '0'
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			pair TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			amount REAL NOT NULL,
			price REAL,
			status TEXT NOT NULL,
			filled_amount REAL NOT NULL,
			remaining_amount REAL NOT NULL,
			is_fallback INTEGER NOT NULL DEFAULT 0,
			parent_order_id TEXT,
			is_dry_run INTEGER NOT NULL DEFAULT 0,
			exchange_order_id TEXT,
			reason TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_session ON orders(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`,
		// 主键即成交去重键：同单同时刻同价同量只落一行
		`CREATE TABLE IF NOT EXISTS fills (
			order_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			fee REAL NOT NULL DEFAULT 0,
			fee_asset TEXT,
			PRIMARY KEY (order_id, ts, price, quantity)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// StartSession 记录一个新交易会话，后续SaveOrder都挂在该会话下。
func (s *SQLiteSink) StartSession(ctx context.Context, id, strategy, mode string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, strategy, mode, started_at) VALUES (?, ?, ?, ?)",
		id, strategy, mode, startedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("start session %s: %v: %w", id, err, order.ErrPersistence)
	}

	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	return nil
}

// EndSession 关闭会话并落盘最终盈亏。
func (s *SQLiteSink) EndSession(ctx context.Context, id string, endedAt time.Time, realizedPnL decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, realized_pnl = ? WHERE id = ?",
		endedAt.UnixMilli(), realizedPnL.String(), id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %v: %w", id, err, order.ErrPersistence)
	}
	return nil
}

// SaveOrder 镜像订单当前状态（upsert）。
func (s *SQLiteSink) SaveOrder(ctx context.Context, o *order.Order) error {
	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()

	var price interface{}
	if o.Price != nil {
		price = *o.Price
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, session_id, pair, side, type, amount, price, status,
			filled_amount, remaining_amount, is_fallback, parent_order_id,
			is_dry_run, exchange_order_id, reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			filled_amount = excluded.filled_amount,
			remaining_amount = excluded.remaining_amount,
			exchange_order_id = excluded.exchange_order_id,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		o.ID, sessionID, o.Pair, string(o.Side), string(o.Type), o.Amount, price,
		string(o.Status), o.FilledAmount, o.RemainingAmount, boolToInt(o.IsFallback),
		o.ParentOrderID, boolToInt(o.IsDryRun), o.ExchangeOrderID, o.Reason,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save order %s: %v: %w", o.ID, err, order.ErrPersistence)
	}
	return nil
}

// SaveFill 镜像单笔成交。重复成交由主键静默吸收。
func (s *SQLiteSink) SaveFill(ctx context.Context, orderID string, f order.Fill) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO fills (order_id, ts, price, quantity, fee, fee_asset) VALUES (?, ?, ?, ?, ?, ?)",
		orderID, f.Timestamp.UnixMilli(), f.Price, f.Quantity, f.Fee, f.FeeAsset,
	)
	if err != nil {
		return fmt.Errorf("save fill for order %s: %v: %w", orderID, err, order.ErrPersistence)
	}
	return nil
}

// GetOrder 按ID读回订单镜像（不含成交明细），用于检视工具。
func (s *SQLiteSink) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pair, side, type, amount, price, status, filled_amount,
			remaining_amount, is_fallback, parent_order_id, is_dry_run,
			exchange_order_id, reason, created_at, updated_at
		FROM orders WHERE id = ?`, id)

	var o order.Order
	var price sql.NullFloat64
	var side, typ, status string
	var isFallback, isDryRun int
	var createdAt, updatedAt int64

	err := row.Scan(&o.ID, &o.Pair, &side, &typ, &o.Amount, &price, &status,
		&o.FilledAmount, &o.RemainingAmount, &isFallback, &o.ParentOrderID,
		&isDryRun, &o.ExchangeOrderID, &o.Reason, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, order.ErrUnknownOrder
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %v: %w", id, err, order.ErrPersistence)
	}

	o.Side = order.Side(side)
	o.Type = order.Type(typ)
	o.Status = order.Status(status)
	if price.Valid {
		p := price.Float64
		o.Price = &p
	}
	o.IsFallback = isFallback != 0
	o.IsDryRun = isDryRun != 0
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &o, nil
}

// Summary 会话级统计，金额字段用decimal避免累计误差。
type Summary struct {
	OrdersPlaced  int
	OrdersFilled  int
	FillCount     int
	TotalQuantity decimal.Decimal
	TotalNotional decimal.Decimal
	TotalFees     decimal.Decimal
	AvgFillPrice  decimal.Decimal
}

// SessionSummary 汇总一个会话的订单与成交。
func (s *SQLiteSink) SessionSummary(ctx context.Context, sessionID string) (Summary, error) {
	var sum Summary

	row := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'FILLED' THEN 1 ELSE 0 END), 0) FROM orders WHERE session_id = ?",
		sessionID)
	if err := row.Scan(&sum.OrdersPlaced, &sum.OrdersFilled); err != nil {
		return Summary{}, fmt.Errorf("summarize session %s: %v: %w", sessionID, err, order.ErrPersistence)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.price, f.quantity, f.fee
		FROM fills f JOIN orders o ON o.id = f.order_id
		WHERE o.session_id = ?`, sessionID)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize session %s: %v: %w", sessionID, err, order.ErrPersistence)
	}
	defer rows.Close()

	qty := decimal.Zero
	notional := decimal.Zero
	fees := decimal.Zero
	for rows.Next() {
		var price, quantity, fee float64
		if err := rows.Scan(&price, &quantity, &fee); err != nil {
			return Summary{}, fmt.Errorf("summarize session %s: %v: %w", sessionID, err, order.ErrPersistence)
		}
		sum.FillCount++
		p := decimal.NewFromFloat(price)
		q := decimal.NewFromFloat(quantity)
		qty = qty.Add(q)
		notional = notional.Add(p.Mul(q))
		fees = fees.Add(decimal.NewFromFloat(fee))
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("summarize session %s: %v: %w", sessionID, err, order.ErrPersistence)
	}

	sum.TotalQuantity = qty
	sum.TotalNotional = notional
	sum.TotalFees = fees
	if qty.IsPositive() {
		sum.AvgFillPrice = notional.DivRound(qty, 8)
	}
	return sum, nil
}

// Close 关闭数据库连接。
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
