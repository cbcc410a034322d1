// Package store defines the Backing Store and Order Ledger contracts used by
// the cache and seckill packages, plus the entity types they move around.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrSoldOut       = errors.New("store: sold out")
	ErrWindowClosed  = errors.New("store: outside the sale window")
	ErrInvalid       = errors.New("store: invalid entity")
)

// Shop is the representative cached entity.
type Shop struct {
	ID        int64     `json:"id" cbor:"1,keyasint" msgpack:"id"`
	Name      string    `json:"name" cbor:"2,keyasint" msgpack:"name" validate:"required,max=128"`
	TypeID    int64     `json:"typeId" cbor:"3,keyasint" msgpack:"typeId" validate:"gte=0"`
	Address   string    `json:"address" cbor:"4,keyasint" msgpack:"address" validate:"max=255"`
	Score     int32     `json:"score" cbor:"5,keyasint" msgpack:"score" validate:"gte=0,lte=50"`
	UpdatedAt time.Time `json:"updatedAt" cbor:"6,keyasint" msgpack:"updatedAt"`
}

// Offer is a limited-stock item sold inside a time window.
type Offer struct {
	ID          int64     `json:"id" cbor:"1,keyasint" msgpack:"id"`
	Stock       int64     `json:"stock" cbor:"2,keyasint" msgpack:"stock" validate:"gte=0"`
	WindowStart time.Time `json:"windowStart" cbor:"3,keyasint" msgpack:"windowStart" validate:"required"`
	WindowEnd   time.Time `json:"windowEnd" cbor:"4,keyasint" msgpack:"windowEnd" validate:"required,gtfield=WindowStart"`
}

// Open reports whether t falls inside [WindowStart, WindowEnd]; both ends
// are inclusive.
func (o Offer) Open(t time.Time) bool {
	return !t.Before(o.WindowStart) && !t.After(o.WindowEnd)
}

// Order is one admitted purchase. (UserID, OfferID) is unique in the ledger.
type Order struct {
	ID        uint64    `json:"id"`
	UserID    int64     `json:"userId"`
	OfferID   int64     `json:"offerId"`
	CreatedAt time.Time `json:"createdAt"`
}

var validate = validator.New()

// Validate checks field constraints and wraps failures with ErrInvalid.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// SortBy selects the ListShops ordering.
type SortBy int

const (
	// ByID orders shops by ascending id.
	ByID SortBy = iota
	// ByScore orders shops by score descending, ties broken by ascending id.
	ByScore
)

// Page requests one slice of a listing. Token is opaque and comes from a
// previous ShopPage.Next; empty starts from the beginning.
type Page struct {
	TypeID int64
	Sort   SortBy
	Size   int
	Token  string
}

// ShopPage is one page of shops. Next is empty on the last page.
type ShopPage struct {
	Shops []Shop
	Next  string
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 200
)

// PageSize clamps p.Size into [1, MaxPageSize].
func (p Page) PageSize() int {
	switch {
	case p.Size <= 0:
		return DefaultPageSize
	case p.Size > MaxPageSize:
		return MaxPageSize
	}
	return p.Size
}

// Cursor is the decoded keyset position: the last row of the previous page.
type Cursor struct {
	Score int32
	ID    int64
}

// EncodeCursor builds a page token.
func EncodeCursor(c Cursor) string {
	raw := strconv.FormatInt(int64(c.Score), 10) + ":" + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a page token. The empty token yields ok=false.
func DecodeCursor(token string) (c Cursor, ok bool, err error) {
	if token == "" {
		return Cursor{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("%w: page token", ErrInvalid)
	}
	score, id, found := strings.Cut(string(raw), ":")
	if !found {
		return Cursor{}, false, fmt.Errorf("%w: page token", ErrInvalid)
	}
	s, err1 := strconv.ParseInt(score, 10, 32)
	n, err2 := strconv.ParseInt(id, 10, 64)
	if err1 != nil || err2 != nil {
		return Cursor{}, false, fmt.Errorf("%w: page token", ErrInvalid)
	}
	return Cursor{Score: int32(s), ID: n}, true, nil
}

// ShopStore is the authoritative source for shops.
type ShopStore interface {
	GetShop(ctx context.Context, id int64) (Shop, error)
	CreateShop(ctx context.Context, s Shop) (int64, error)
	UpdateShop(ctx context.Context, s Shop) error
	ListShops(ctx context.Context, p Page) (ShopPage, error)
}

// OfferStore is the authoritative source for offers and their stock.
type OfferStore interface {
	GetOffer(ctx context.Context, id int64) (Offer, error)
	CreateOffer(ctx context.Context, o Offer) (int64, error)
	// DecrementStock takes one unit when stock > 0 and now is inside the
	// window. It reports false when nothing was taken.
	DecrementStock(ctx context.Context, id int64, now time.Time) (bool, error)
}

// OrderLedger persists admitted orders.
type OrderLedger interface {
	// InsertOrder returns ErrAlreadyExists when (UserID, OfferID) is taken.
	InsertOrder(ctx context.Context, o Order) error
	CountOrders(ctx context.Context, userID, offerID int64) (int, error)
	// PlaceOrder checks for an existing order, takes one unit of stock and
	// inserts o in one transaction. It returns ErrAlreadyExists, ErrSoldOut
	// or ErrWindowClosed when the order cannot be placed.
	PlaceOrder(ctx context.Context, o Order, now time.Time) error
}

//go:generate mockgen -destination=storemock/ledger.go -package=storemock github.com/unkn0wn-root/flashsale/store OrderLedger
