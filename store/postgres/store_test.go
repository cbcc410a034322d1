package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/flashsale/store"
)

type fakeRow struct{ err error }

func (r fakeRow) Scan(...any) error { return r.err }

// fakeDB answers every statement with the configured error.
type fakeDB struct {
	rowErr  error
	execErr error
	tag     pgconn.CommandTag
	sqls    []string
}

func (d *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.sqls = append(d.sqls, sql)
	return d.tag, d.execErr
}

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (d *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	d.sqls = append(d.sqls, sql)
	return fakeRow{err: d.rowErr}
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not supported")
}

func TestMapWriteErr(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		want   error
		substr string
	}{
		{
			name: "unique_violation",
			err:  &pgconn.PgError{Code: pgerrcode.UniqueViolation},
			want: store.ErrAlreadyExists,
		},
		{
			name:   "other_pg_error",
			err:    &pgconn.PgError{Code: pgerrcode.CheckViolation},
			substr: "insert order",
		},
		{
			name:   "general_error",
			err:    assert.AnError,
			substr: "insert order",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapWriteErr("insert order", tc.err)
			if tc.want != nil {
				assert.ErrorIs(t, got, tc.want)
				return
			}
			assert.NotErrorIs(t, got, store.ErrAlreadyExists)
			assert.ErrorIs(t, got, tc.err)
			assert.Contains(t, got.Error(), tc.substr)
		})
	}
}

func TestInsertOrderDuplicate(t *testing.T) {
	db := &fakeDB{execErr: &pgconn.PgError{Code: pgerrcode.UniqueViolation}}
	err := New(db).InsertOrder(context.Background(), store.Order{ID: 1, UserID: 2, OfferID: 3})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestGetNotFound(t *testing.T) {
	s := New(&fakeDB{rowErr: pgx.ErrNoRows})

	_, err := s.GetShop(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetOffer(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDecrementStockUsesRowsAffected(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 1")}
	ok, err := New(db).DecrementStock(context.Background(), 9, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, db.sqls[0], "stock > 0")

	db.tag = pgconn.NewCommandTag("UPDATE 0")
	ok, err = New(db).DecrementStock(context.Background(), 9, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateShopMissing(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 0")}
	err := New(db).UpdateShop(context.Background(), store.Shop{ID: 4, Name: "gone"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateRejectsInvalid(t *testing.T) {
	db := &fakeDB{}
	s := New(db)

	_, err := s.CreateOffer(context.Background(), store.Offer{Stock: -1})
	assert.ErrorIs(t, err, store.ErrInvalid)
	_, err = s.CreateShop(context.Background(), store.Shop{})
	assert.ErrorIs(t, err, store.ErrInvalid)
	assert.Empty(t, db.sqls, "invalid entities must not reach the database")
}

func TestListShopsQuery(t *testing.T) {
	q, args, size, err := listShopsQuery(store.Page{Size: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, size)
	assert.True(t, strings.HasSuffix(q, "ORDER BY id ASC LIMIT $1"), q)
	assert.Equal(t, []any{6}, args)

	token := store.EncodeCursor(store.Cursor{Score: 40, ID: 12})
	q, args, _, err = listShopsQuery(store.Page{TypeID: 3, Sort: store.ByScore, Token: token})
	require.NoError(t, err)
	assert.Contains(t, q, "type_id = $1")
	assert.Contains(t, q, "(score < $2 OR (score = $2 AND id > $3))")
	assert.Contains(t, q, "ORDER BY score DESC, id ASC LIMIT $4")
	assert.Equal(t, []any{int64(3), int32(40), int64(12), store.DefaultPageSize + 1}, args)

	_, _, _, err = listShopsQuery(store.Page{Token: "***"})
	assert.ErrorIs(t, err, store.ErrInvalid)
}
