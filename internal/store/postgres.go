package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/callmarket/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgRepo
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgRepo: pgRepo{q: pool}, pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgRepo runs every query against q. Inside a transaction market reads
// take a row lock so concurrent rounds on one market serialize.
type pgRepo struct {
	q    querier
	inTx bool
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, name, description, status, opening_date, closing_date, resolution_date, price, volume, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10)`,
		m.ID, m.Name, m.Description, string(m.Status),
		m.OpeningDate, m.ClosingDate, m.ResolutionDate,
		m.Price.String(), m.Volume, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	return nil
}

// WithTx runs fn in a read-committed transaction, rolling back on error.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if runErr := fn(ctx, &pgRepo{q: tx, inTx: true}); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Markets ---

const marketColumns = `id, name, description, status, opening_date, closing_date, resolution_date,
		        price::TEXT, volume, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var status, price string
	if err := row.Scan(&m.ID, &m.Name, &m.Description, &status,
		&m.OpeningDate, &m.ClosingDate, &m.ResolutionDate,
		&price, &m.Volume, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = model.MarketStatus(status)
	m.Price, _ = decimal.NewFromString(price)
	return &m, nil
}

func (r *pgRepo) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if r.inTx {
		query += ` FOR UPDATE`
	}
	m, err := scanMarket(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(fmt.Sprintf("get market %s", id), err)
	}
	return m, nil
}

func (r *pgRepo) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := r.q.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (r *pgRepo) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE markets SET status = $2, price = $3::NUMERIC, volume = $4 WHERE id = $1`,
		m.ID, string(m.Status), m.Price.String(), m.Volume,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update market %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// --- Orders ---

const orderColumns = `id, market_id, user_id, side, price::TEXT, quantity, status, seq, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var side, status, price string
	if err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &side, &price,
		&o.Quantity, &status, &o.Seq, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)
	o.Price, _ = decimal.NewFromString(price)
	return &o, nil
}

func (r *pgRepo) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(fmt.Sprintf("get order %s", id), err)
	}
	return o, nil
}

func (r *pgRepo) ListOrders(ctx context.Context, marketID string, side model.Side, status model.OrderStatus) ([]model.Order, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE market_id = $1 AND side = $2 AND status = $3
		 ORDER BY seq`, marketID, string(side), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (r *pgRepo) CreateOrder(ctx context.Context, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	err := r.q.QueryRow(ctx,
		`INSERT INTO orders (id, market_id, user_id, side, price, quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)
		 RETURNING seq`,
		o.ID, o.MarketID, o.UserID, string(o.Side), o.Price.String(),
		o.Quantity, string(o.Status), o.CreatedAt,
	).Scan(&o.Seq)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *pgRepo) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE orders SET quantity = $2, status = $3 WHERE id = $1`,
		o.ID, o.Quantity, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

// --- Positions ---

func (r *pgRepo) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	var p model.Position
	err := r.q.QueryRow(ctx,
		`SELECT market_id, user_id, quantity FROM positions WHERE market_id = $1 AND user_id = $2`,
		marketID, userID).Scan(&p.MarketID, &p.UserID, &p.Quantity)
	if err != nil {
		return nil, notFound(fmt.Sprintf("get position %s/%s", marketID, userID), err)
	}
	return &p, nil
}

func (r *pgRepo) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT market_id, user_id, quantity FROM positions WHERE user_id = $1 ORDER BY market_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.MarketID, &p.UserID, &p.Quantity); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (r *pgRepo) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO positions (market_id, user_id, quantity) VALUES ($1, $2, $3)`,
		p.MarketID, p.UserID, p.Quantity)
	if err != nil {
		return fmt.Errorf("create position %s/%s: %w", p.MarketID, p.UserID, err)
	}
	return nil
}

func (r *pgRepo) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE positions SET quantity = $3 WHERE market_id = $1 AND user_id = $2`,
		p.MarketID, p.UserID, p.Quantity)
	if err != nil {
		return fmt.Errorf("update position %s/%s: %w", p.MarketID, p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update position %s/%s: %w", p.MarketID, p.UserID, ErrNotFound)
	}
	return nil
}

// --- Ledger ---

func (r *pgRepo) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var balance string
	err := r.q.QueryRow(ctx,
		`SELECT user_id, balance::TEXT FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &balance)
	if err != nil {
		return nil, notFound(fmt.Sprintf("get account %s", userID), err)
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (r *pgRepo) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO accounts (user_id, balance) VALUES ($1, $2::NUMERIC)`,
		a.UserID, a.Balance.String())
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.UserID, err)
	}
	return nil
}

func (r *pgRepo) UpdateAccount(ctx context.Context, a *model.Account) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE user_id = $1`,
		a.UserID, a.Balance.String())
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update account %s: %w", a.UserID, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, date, amount) VALUES ($1, $2, $3, $4::NUMERIC)`,
		t.ID, t.UserID, t.Date, t.Amount.String())
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (r *pgRepo) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, user_id, date, amount::TEXT FROM transactions
		 WHERE user_id = $1 ORDER BY date, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Date, &amount); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// --- History ---

func (r *pgRepo) AppendHistory(ctx context.Context, h *model.HistoryRecord) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO market_history (id, market_id, date, price, quantity, volume_delta)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		h.ID, h.MarketID, h.Date, h.Price.String(), h.Quantity, h.VolumeDelta)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (r *pgRepo) ListHistory(ctx context.Context, marketID string) ([]model.HistoryRecord, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, market_id, date, price::TEXT, quantity, volume_delta
		 FROM market_history WHERE market_id = $1
		 ORDER BY date DESC, seq DESC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.HistoryRecord
	for rows.Next() {
		var h model.HistoryRecord
		var price string
		if err := rows.Scan(&h.ID, &h.MarketID, &h.Date, &price, &h.Quantity, &h.VolumeDelta); err != nil {
			return nil, err
		}
		h.Price, _ = decimal.NewFromString(price)
		records = append(records, h)
	}
	return records, rows.Err()
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
