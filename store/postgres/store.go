// Package postgres implements the shop, offer and order stores on PostgreSQL
// through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unkn0wn-root/flashsale/store"
	"github.com/unkn0wn-root/flashsale/store/postgres/migrations"
)

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists shops, offers and orders in PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var (
	_ store.ShopStore   = (*Store)(nil)
	_ store.OfferStore  = (*Store)(nil)
	_ store.OrderLedger = (*Store)(nil)
	_ DB                = (*pgxpool.Pool)(nil)
)

// Open connects a pool to dsn and applies the embedded schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool or transaction-capable handle. The caller keeps
// ownership of db.
func New(db DB) *Store { return &Store{db: db} }

// Close closes the pool when Open created it.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate applies the embedded schema files in name order. The files are
// idempotent DDL.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, name := range files {
		body, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}

const shopColumns = `id, name, type_id, address, score, updated_at`

func (s *Store) GetShop(ctx context.Context, id int64) (store.Shop, error) {
	sh, err := scanShop(s.db.QueryRow(ctx, `SELECT `+shopColumns+` FROM shops WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
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
		sh.UpdatedAt = time.Now().UTC()
	}
	var (
		id  int64
		err error
	)
	if sh.ID > 0 {
		err = s.db.QueryRow(ctx,
			`INSERT INTO shops (id, name, type_id, address, score, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			sh.ID, sh.Name, sh.TypeID, sh.Address, sh.Score, sh.UpdatedAt).Scan(&id)
	} else {
		err = s.db.QueryRow(ctx,
			`INSERT INTO shops (name, type_id, address, score, updated_at)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			sh.Name, sh.TypeID, sh.Address, sh.Score, sh.UpdatedAt).Scan(&id)
	}
	if err != nil {
		return 0, mapWriteErr("create shop", err)
	}
	return id, nil
}

func (s *Store) UpdateShop(ctx context.Context, sh store.Shop) error {
	if sh.ID <= 0 {
		return fmt.Errorf("%w: shop id is required", store.ErrInvalid)
	}
	if err := store.Validate(sh); err != nil {
		return err
	}
	if sh.UpdatedAt.IsZero() {
		sh.UpdatedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE shops SET name = $1, type_id = $2, address = $3, score = $4, updated_at = $5 WHERE id = $6`,
		sh.Name, sh.TypeID, sh.Address, sh.Score, sh.UpdatedAt, sh.ID)
	if err != nil {
		return fmt.Errorf("update shop %d: %w", sh.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListShops(ctx context.Context, p store.Page) (store.ShopPage, error) {
	q, args, size, err := listShopsQuery(p)
	if err != nil {
		return store.ShopPage{}, err
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return store.ShopPage{}, fmt.Errorf("list shops: %w", err)
	}
	shops, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (store.Shop, error) {
		return scanShop(r)
	})
	if err != nil {
		return store.ShopPage{}, fmt.Errorf("list shops: %w", err)
	}
	page := store.ShopPage{Shops: shops}
	if len(shops) > size {
		page.Shops = shops[:size]
		last := page.Shops[size-1]
		page.Next = store.EncodeCursor(store.Cursor{Score: last.Score, ID: last.ID})
	}
	return page, nil
}

// listShopsQuery builds the keyset query for p. It asks for one row more than
// the page size so the caller can tell whether a next page exists.
func listShopsQuery(p store.Page) (string, []any, int, error) {
	cur, after, err := store.DecodeCursor(p.Token)
	if err != nil {
		return "", nil, 0, err
	}
	size := p.PageSize()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if p.TypeID > 0 {
		where = append(where, "type_id = "+arg(p.TypeID))
	}
	order := "id ASC"
	if p.Sort == store.ByScore {
		order = "score DESC, id ASC"
		if after {
			sc, id := arg(cur.Score), arg(cur.ID)
			where = append(where, "(score < "+sc+" OR (score = "+sc+" AND id > "+id+"))")
		}
	} else if after {
		where = append(where, "id > "+arg(cur.ID))
	}
	q := `SELECT ` + shopColumns + ` FROM shops`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + order + " LIMIT " + arg(size+1)
	return q, args, size, nil
}

func (s *Store) GetOffer(ctx context.Context, id int64) (store.Offer, error) {
	var o store.Offer
	err := s.db.QueryRow(ctx,
		`SELECT id, stock, window_start, window_end FROM offers WHERE id = $1`, id,
	).Scan(&o.ID, &o.Stock, &o.WindowStart, &o.WindowEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Offer{}, store.ErrNotFound
	}
	if err != nil {
		return store.Offer{}, fmt.Errorf("get offer %d: %w", id, err)
	}
	o.WindowStart, o.WindowEnd = o.WindowStart.UTC(), o.WindowEnd.UTC()
	return o, nil
}

func (s *Store) CreateOffer(ctx context.Context, o store.Offer) (int64, error) {
	if err := store.Validate(o); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO offers (stock, window_start, window_end) VALUES ($1, $2, $3) RETURNING id`,
		o.Stock, o.WindowStart, o.WindowEnd).Scan(&id)
	if err != nil {
		return 0, mapWriteErr("create offer", err)
	}
	return id, nil
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
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
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
		return insertOrder(ctx, tx, o)
	})
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func decrementStock(ctx context.Context, q querier, id int64, now time.Time) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE offers SET stock = stock - 1
		 WHERE id = $1 AND stock > 0 AND window_start <= $2 AND window_end >= $2`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("decrement stock %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertOrder(ctx context.Context, q querier, o store.Order) error {
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO orders (id, user_id, offer_id, created_at) VALUES ($1, $2, $3, $4)`,
		int64(o.ID), o.UserID, o.OfferID, created)
	if err != nil {
		return mapWriteErr("insert order", err)
	}
	return nil
}

func countOrders(ctx context.Context, q querier, userID, offerID int64) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE user_id = $1 AND offer_id = $2`, userID, offerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

func whyNotTaken(ctx context.Context, q querier, id int64, now time.Time) error {
	var o store.Offer
	err := q.QueryRow(ctx,
		`SELECT stock, window_start, window_end FROM offers WHERE id = $1`, id,
	).Scan(&o.Stock, &o.WindowStart, &o.WindowEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load offer %d: %w", id, err)
	}
	if !o.Open(now) {
		return store.ErrWindowClosed
	}
	return store.ErrSoldOut
}

func scanShop(r pgx.Row) (store.Shop, error) {
	var sh store.Shop
	if err := r.Scan(&sh.ID, &sh.Name, &sh.TypeID, &sh.Address, &sh.Score, &sh.UpdatedAt); err != nil {
		return store.Shop{}, err
	}
	sh.UpdatedAt = sh.UpdatedAt.UTC()
	return sh, nil
}

// mapWriteErr turns unique violations into store.ErrAlreadyExists.
func mapWriteErr(op string, err error) error {
	var e *pgconn.PgError
	if errors.As(err, &e) && e.Code == pgerrcode.UniqueViolation {
		return store.ErrAlreadyExists
	}
	return fmt.Errorf("%s: %w", op, err)
}
