package seckill

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/internal/util"
	"github.com/unkn0wn-root/flashsale/kv"
)

// Reasons recorded with a flag.
const (
	// ReasonDuplicate: the ledger already held an order for an admitted pair.
	ReasonDuplicate = "duplicate"
	// ReasonPersist: the order could not be persisted after admission.
	ReasonPersist = "persist"
)

// Flag is one (offer, user) pair whose stock unit and ledger disagree.
type Flag struct {
	OfferID int64
	UserID  int64
	Reason  string
}

func (f Flag) member() string {
	return strconv.FormatInt(f.OfferID, 10) + ":" + strconv.FormatInt(f.UserID, 10) + ":" + f.Reason
}

func parseFlag(m string) (Flag, error) {
	parts := strings.SplitN(m, ":", 3)
	if len(parts) != 3 {
		return Flag{}, fmt.Errorf("seckill: malformed flag %q", m)
	}
	offer, err1 := strconv.ParseInt(parts[0], 10, 64)
	user, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return Flag{}, fmt.Errorf("seckill: malformed flag %q", m)
	}
	return Flag{OfferID: offer, UserID: user, Reason: parts[2]}, nil
}

// Reconciler keeps the set of pairs that need out-of-band reconciliation.
type Reconciler struct {
	store kv.Store
	key   string
	log   flashsale.Logger
}

func NewReconciler(store kv.Store, prefix string, log flashsale.Logger) *Reconciler {
	if log == nil {
		log = flashsale.NopLogger{}
	}
	return &Reconciler{
		store: store,
		key:   util.Key(util.Coalesce(prefix, DefaultPrefix), "reconcile"),
		log:   log,
	}
}

func (r *Reconciler) Key() string { return r.key }

// Flag records the pair. The caller has already decided the user's outcome,
// so a store failure here is only logged.
func (r *Reconciler) Flag(ctx context.Context, offerID, userID int64, reason string) {
	f := Flag{OfferID: offerID, UserID: userID, Reason: reason}
	fields := flashsale.Fields{"offer": offerID, "user": userID, "reason": reason}
	if _, err := r.store.SAdd(context.WithoutCancel(ctx), r.key, f.member()); err != nil {
		fields["err"] = err
		r.log.Error("reconciliation flag lost", fields)
		return
	}
	r.log.Warn("flagged for reconciliation", fields)
}

// Flagged lists pending flags ordered by offer, then user.
func (r *Reconciler) Flagged(ctx context.Context) ([]Flag, error) {
	members, err := r.store.SMembers(ctx, r.key)
	if err != nil {
		return nil, flashsale.Transient(err)
	}
	out := make([]Flag, 0, len(members))
	for _, m := range members {
		f, err := parseFlag(m)
		if err != nil {
			r.log.Warn("skipping malformed reconciliation entry", flashsale.Fields{"entry": m})
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OfferID != out[j].OfferID {
			return out[i].OfferID < out[j].OfferID
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Reason < out[j].Reason
	})
	return out, nil
}

// Resolve removes f once it has been reconciled.
func (r *Reconciler) Resolve(ctx context.Context, f Flag) error {
	if _, err := r.store.SRem(ctx, r.key, f.member()); err != nil {
		return flashsale.Transient(err)
	}
	return nil
}
