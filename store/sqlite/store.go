// Package sqlite implements the shop, offer and order stores on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/unkn0wn-root/flashsale/store"
	"github.com/unkn0wn-root/flashsale/store/sqlite/migrations"
)

// Store persists shops, offers and orders in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ store.ShopStore   = (*Store)(nil)
	_ store.OfferStore  = (*Store)(nil)
	_ store.OrderLedger = (*Store)(nil)
)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens (creating if needed) the database at path and applies the
// embedded migrations. Write transactions take the database lock up front so
// concurrent PlaceOrder calls queue on busy_timeout instead of failing on
// lock upgrade.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetShop(ctx context.Context, id int64) (store.Shop, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type_id, address, score, updated_at FROM shops WHERE id = ?`, id)
	sh, err := scanShop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Shop{}, store.ErrNotFound
	}
	if err != nil {
		return store.Shop{}, fmt.Errorf("get shop %d: %w", id, err)
	}
	return sh, nil
}

func (s *Store) CreateShop(ctx context.Context, sh store.Shop) (int64, error) {
	if err := store.Validate(sh); err != nil {
		return 0, err
	}
	if sh.UpdatedAt.IsZero() {
		sh.UpdatedAt = time.Now()
	}
	var (
		res sql.Result
		err error
	)
	if sh.ID > 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO shops (id, name, type_id, address, score, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sh.ID, sh.Name, sh.TypeID, sh.Address, sh.Score, toMillis(sh.UpdatedAt))
	} else {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO shops (name, type_id, address, score, updated_at) VALUES (?, ?, ?, ?, ?)`,
			sh.Name, sh.TypeID, sh.Address, sh.Score, toMillis(sh.UpdatedAt))
	}
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrAlreadyExists
		}
		return 0, fmt.Errorf("create shop: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) UpdateShop(ctx context.Context, sh store.Shop) error {
	if sh.ID <= 0 {
		return fmt.Errorf("%w: shop id is required", store.ErrInvalid)
	}
	if err := store.Validate(sh); err != nil {
		return err
	}
	if sh.UpdatedAt.IsZero() {
		sh.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE shops SET name = ?, type_id = ?, address = ?, score = ?, updated_at = ? WHERE id = ?`,
		sh.Name, sh.TypeID, sh.Address, sh.Score, toMillis(sh.UpdatedAt), sh.ID)
	if err != nil {
		return fmt.Errorf("update shop %d: %w", sh.ID, err)
	}
	return requireOne(res)
}

// ListShops returns one keyset page. It fetches one extra row to learn
// whether a next page exists.
func (s *Store) ListShops(ctx context.Context, p store.Page) (store.ShopPage, error) {
	cur, after, err := store.DecodeCursor(p.Token)
	if err != nil {
		return store.ShopPage{}, err
	}
	size := p.PageSize()

	var (
		where []string
		args  []any
	)
	if p.TypeID > 0 {
		where = append(where, "type_id = ?")
		args = append(args, p.TypeID)
	}
	order := "id ASC"
	switch p.Sort {
	case store.ByScore:
		order = "score DESC, id ASC"
		if after {
			where = append(where, "(score < ? OR (score = ? AND id > ?))")
			args = append(args, cur.Score, cur.Score, cur.ID)
		}
	default:
		if after {
			where = append(where, "id > ?")
			args = append(args, cur.ID)
		}
	}
	q := `SELECT id, name, type_id, address, score, updated_at FROM shops`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + order + " LIMIT ?"
	args = append(args, size+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return store.ShopPage{}, fmt.Errorf("list shops: %w", err)
	}
	defer rows.Close()

	page := store.ShopPage{Shops: make([]store.Shop, 0, size)}
	for rows.Next() {
		sh, err := scanShop(rows)
		if err != nil {
			return store.ShopPage{}, fmt.Errorf("scan shop: %w", err)
		}
		page.Shops = append(page.Shops, sh)
	}
	if err := rows.Err(); err != nil {
		return store.ShopPage{}, fmt.Errorf("list shops: %w", err)
	}
	if len(page.Shops) > size {
		page.Shops = page.Shops[:size]
		last := page.Shops[size-1]
		page.Next = store.EncodeCursor(store.Cursor{Score: last.Score, ID: last.ID})
	}
	return page, nil
}

func (s *Store) GetOffer(ctx context.Context, id int64) (store.Offer, error) {
	var (
		o          store.Offer
		start, end int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, stock, window_start, window_end FROM offers WHERE id = ?`, id,
	).Scan(&o.ID, &o.Stock, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Offer{}, store.ErrNotFound
	}
	if err != nil {
		return store.Offer{}, fmt.Errorf("get offer %d: %w", id, err)
	}
	o.WindowStart, o.WindowEnd = fromMillis(start), fromMillis(end)
	return o, nil
}

func (s *Store) CreateOffer(ctx context.Context, o store.Offer) (int64, error) {
	if err := store.Validate(o); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offers (stock, window_start, window_end) VALUES (?, ?, ?)`,
		o.Stock, toMillis(o.WindowStart), toMillis(o.WindowEnd))
	if err != nil {
		return 0, fmt.Errorf("create offer: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) DecrementStock(ctx context.Context, id int64, now time.Time) (bool, error) {
	return decrementStock(ctx, s.db, id, now)
}

func (s *Store) InsertOrder(ctx context.Context, o store.Order) error {
	return insertOrder(ctx, s.db, o)
}

func (s *Store) CountOrders(ctx context.Context, userID, offerID int64) (int, error) {
	return countOrders(ctx, s.db, userID, offerID)
}

func (s *Store) PlaceOrder(ctx context.Context, o store.Order, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin place order: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := countOrders(ctx, tx, o.UserID, o.OfferID)
	if err != nil {
		return err
	}
	if n > 0 {
		return store.ErrAlreadyExists
	}
	ok, err := decrementStock(ctx, tx, o.OfferID, now)
	if err != nil {
		return err
	}
	if !ok {
		return whyNotTaken(ctx, tx, o.OfferID, now)
	}
	if err := insertOrder(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit place order: %w", err)
	}
	return nil
}

// execer is the subset shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func decrementStock(ctx context.Context, db execer, id int64, now time.Time) (bool, error) {
	ms := toMillis(now)
	res, err := db.ExecContext(ctx,
		`UPDATE offers SET stock = stock - 1
		 WHERE id = ? AND stock > 0 AND window_start <= ? AND window_end >= ?`,
		id, ms, ms)
	if err != nil {
		return false, fmt.Errorf("decrement stock %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement stock %d: %w", id, err)
	}
	return n == 1, nil
}

func insertOrder(ctx context.Context, db execer, o store.Order) error {
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, offer_id, created_at) VALUES (?, ?, ?, ?)`,
		int64(o.ID), o.UserID, o.OfferID, toMillis(created))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func countOrders(ctx context.Context, db execer, userID, offerID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE user_id = ? AND offer_id = ?`, userID, offerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// whyNotTaken maps a failed conditional decrement to the business error.
func whyNotTaken(ctx context.Context, db execer, id int64, now time.Time) error {
	var stock, start, end int64
	err := db.QueryRowContext(ctx,
		`SELECT stock, window_start, window_end FROM offers WHERE id = ?`, id,
	).Scan(&stock, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load offer %d: %w", id, err)
	}
	ms := toMillis(now)
	if ms < start || ms > end {
		return store.ErrWindowClosed
	}
	return store.ErrSoldOut
}

type scanner interface {
	Scan(dest ...any) error
}

func scanShop(r scanner) (store.Shop, error) {
	var (
		sh      store.Shop
		updated int64
	)
	if err := r.Scan(&sh.ID, &sh.Name, &sh.TypeID, &sh.Address, &sh.Score, &updated); err != nil {
		return store.Shop{}, err
	}
	sh.UpdatedAt = fromMillis(updated)
	return sh, nil
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
