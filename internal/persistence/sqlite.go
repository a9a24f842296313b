package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path and migrates it.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS order_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_ref TEXT UNIQUE NOT NULL,
			broker_order_id INTEGER NOT NULL DEFAULT 0,
			account TEXT NOT NULL DEFAULT '',
			instrument TEXT NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			quantity TEXT NOT NULL,
			order_type TEXT NOT NULL,
			limit_price TEXT NOT NULL DEFAULT '0',
			stop_price TEXT NOT NULL DEFAULT '0',
			time_in_force TEXT NOT NULL DEFAULT '',
			exchange TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL DEFAULT '',
			expiry TEXT NOT NULL DEFAULT '',
			strike TEXT NOT NULL DEFAULT '0',
			option_right TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			filled TEXT NOT NULL DEFAULT '0',
			avg_fill_price TEXT NOT NULL DEFAULT '0',
			error TEXT NOT NULL DEFAULT '',
			cloned_from INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_history_symbol ON order_history(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_order_history_status ON order_history(status)`,
		`CREATE INDEX IF NOT EXISTS idx_order_history_broker_id ON order_history(broker_order_id)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

const orderColumns = `id, order_ref, broker_order_id, account, instrument, symbol, action, quantity, order_type,
	limit_price, stop_price, time_in_force, exchange, currency, expiry, strike, option_right,
	status, filled, avg_fill_price, error, cloned_from, created_at, updated_at`

// SaveOrder inserts a new record and sets its ID and timestamps.
func (r *SQLiteRepository) SaveOrder(ctx context.Context, o *OrderRecord) error {
	if o.OrderRef == "" {
		return fmt.Errorf("insert order: %w: missing order ref", types.ErrInvalidOrder)
	}

	query := `INSERT INTO order_history
		(order_ref, broker_order_id, account, instrument, symbol, action, quantity, order_type,
		limit_price, stop_price, time_in_force, exchange, currency, expiry, strike, option_right,
		status, filled, avg_fill_price, error, cloned_from, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx, query,
		o.OrderRef,
		o.BrokerOrderID,
		o.Account,
		string(o.Instrument),
		strings.ToUpper(o.Symbol),
		string(o.Action),
		o.Quantity.String(),
		string(o.OrderType),
		o.LimitPrice.String(),
		o.StopPrice.String(),
		o.TimeInForce,
		o.Exchange,
		o.Currency,
		o.Expiry,
		o.Strike.String(),
		string(o.Right),
		string(o.Status),
		o.Filled.String(),
		o.AvgFillPrice.String(),
		o.Error,
		o.ClonedFrom,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	o.ID = id
	o.Symbol = strings.ToUpper(o.Symbol)
	o.CreatedAt, o.UpdatedAt = now, now

	return nil
}

// GetOrder returns the record with the given history ID.
func (r *SQLiteRepository) GetOrder(ctx context.Context, id int64) (*OrderRecord, error) {
	return r.getOne(ctx, `WHERE id = ?`, id)
}

// GetOrderByBrokerID returns the latest record carrying a broker order ID.
func (r *SQLiteRepository) GetOrderByBrokerID(ctx context.Context, brokerOrderID int64) (*OrderRecord, error) {
	return r.getOne(ctx, `WHERE broker_order_id = ? ORDER BY id DESC LIMIT 1`, brokerOrderID)
}

// GetOrderByRef returns the record with the given order reference.
func (r *SQLiteRepository) GetOrderByRef(ctx context.Context, orderRef string) (*OrderRecord, error) {
	return r.getOne(ctx, `WHERE order_ref = ?`, orderRef)
}

func (r *SQLiteRepository) getOne(ctx context.Context, where string, args ...any) (*OrderRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM order_history `+where, args...)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// RecentOrders returns the last limit records, oldest first.
func (r *SQLiteRepository) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	records, err := r.query(ctx, `SELECT `+orderColumns+` FROM order_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(records)
	return records, nil
}

// SearchOrders returns records matching every non-empty filter field, oldest first.
func (r *SQLiteRepository) SearchOrders(ctx context.Context, f Filter) ([]OrderRecord, error) {
	var where []string
	var args []any

	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, strings.ToUpper(f.Symbol))
	}
	if f.Instrument != "" {
		where = append(where, "instrument = ?")
		args = append(args, string(f.Instrument))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, strings.ToUpper(string(f.Action)))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + orderColumns + ` FROM order_history`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return r.query(ctx, query, args...)
}

// PendingOrders returns records whose last known status is still working.
func (r *SQLiteRepository) PendingOrders(ctx context.Context) ([]OrderRecord, error) {
	active := []broker.OrderStatus{
		broker.OrderStatusApiPending,
		broker.OrderStatusPendingSubmit,
		broker.OrderStatusPreSubmitted,
		broker.OrderStatusSubmitted,
		broker.OrderStatusPendingCancel,
	}
	placeholders := make([]string, len(active))
	args := make([]any, len(active))
	for i, s := range active {
		placeholders[i] = "?"
		args[i] = string(s)
	}

	query := `SELECT ` + orderColumns + ` FROM order_history WHERE status IN (` + strings.Join(placeholders, ", ") + `) ORDER BY id`
	return r.query(ctx, query, args...)
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, *o)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*OrderRecord, error) {
	var o OrderRecord
	var instrument, action, orderType, right, status string
	var quantity, limitPrice, stopPrice, strike, filled, avgFill string

	err := s.Scan(
		&o.ID, &o.OrderRef, &o.BrokerOrderID, &o.Account, &instrument, &o.Symbol, &action, &quantity, &orderType,
		&limitPrice, &stopPrice, &o.TimeInForce, &o.Exchange, &o.Currency, &o.Expiry, &strike, &right,
		&status, &filled, &avgFill, &o.Error, &o.ClonedFrom, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Instrument = types.InstrumentType(instrument)
	o.Action = types.Action(action)
	o.OrderType = broker.OrderType(orderType)
	o.Right = types.Right(right)
	o.Status = broker.OrderStatus(status)

	o.Quantity, _ = decimal.NewFromString(quantity)
	o.LimitPrice, _ = decimal.NewFromString(limitPrice)
	o.StopPrice, _ = decimal.NewFromString(stopPrice)
	o.Strike, _ = decimal.NewFromString(strike)
	o.Filled, _ = decimal.NewFromString(filled)
	o.AvgFillPrice, _ = decimal.NewFromString(avgFill)

	return &o, nil
}

// SetBrokerOrderID links a record to the order ID the broker assigned. The
// status is only written while the record is still PendingSubmit, so a status
// event that arrived first is not overwritten.
func (r *SQLiteRepository) SetBrokerOrderID(ctx context.Context, id, brokerOrderID int64, status broker.OrderStatus) error {
	query := `UPDATE order_history SET broker_order_id = ?,
		status = CASE WHEN status = ? THEN ? ELSE status END,
		updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	return r.exec(ctx, "set broker order id", query,
		brokerOrderID, string(broker.OrderStatusPendingSubmit), string(status), id)
}

// UpdateOrderStatus records a status change. Fill fields are only written
// when the update carries a fill.
func (r *SQLiteRepository) UpdateOrderStatus(ctx context.Context, id int64, u StatusUpdate) error {
	var query string
	var args []any

	switch {
	case u.Filled.IsPositive():
		query = `UPDATE order_history SET status = ?, filled = ?, avg_fill_price = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
		args = []any{string(u.Status), u.Filled.String(), u.AvgFillPrice.String(), id}
	case u.Error != "":
		query = `UPDATE order_history SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
		args = []any{string(u.Status), u.Error, id}
	default:
		query = `UPDATE order_history SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
		args = []any{string(u.Status), id}
	}

	return r.exec(ctx, "update order status", query, args...)
}

func (r *SQLiteRepository) exec(ctx context.Context, what, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", what, ErrOrderNotFound)
	}
	return nil
}

// Statistics counts orders by instrument, action, status and order type.
func (r *SQLiteRepository) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		Instruments: make(map[string]int),
		Actions:     map[string]int{string(types.ActionBuy): 0, string(types.ActionSell): 0},
		Statuses:    make(map[string]int),
		OrderTypes:  make(map[string]int),
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"instrument", stats.Instruments},
		{"action", stats.Actions},
		{"status", stats.Statuses},
		{"order_type", stats.OrderTypes},
	}

	for _, g := range groups {
		// column names are fixed above
		rows, err := r.db.QueryContext(ctx, `SELECT `+g.column+`, COUNT(*) FROM order_history GROUP BY `+g.column)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", g.column, err)
			}
			g.into[key] = n
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_history`).Scan(&stats.TotalOrders); err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	return stats, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

var _ Repository = (*SQLiteRepository)(nil)
