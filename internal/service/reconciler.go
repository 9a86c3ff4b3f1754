package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// priceEpsilon is the tolerance below which two stored numbers are equal.
const priceEpsilon = 1e-9

// ReconcileResult summarizes one reconciled batch.
type ReconcileResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	Skipped   int
	Conflicts []domain.ReconcileConflict
	// Dates are the civil dates, in the connection timezone, whose daily
	// stats must be recomputed. Sorted ascending.
	Dates []time.Time
}

// Synced is the number of rows written by the batch.
func (r ReconcileResult) Synced() int { return r.Inserted + r.Updated }

// Reconciler merges fetched trades into the trade store without duplicates.
type Reconciler struct {
	store  domain.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(store domain.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logger.With(slog.String("component", "reconciler")),
		now:    time.Now,
	}
}

// Reconcile applies the batch in one transaction. Conflicting trades are
// skipped; any store failure rolls the whole batch back.
func (r *Reconciler) Reconcile(ctx context.Context, conn domain.BrokerConnection, trades []domain.RawTrade) (ReconcileResult, error) {
	var res ReconcileResult
	err := r.store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		res, err = r.apply(ctx, tx, conn, trades)
		return err
	})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("reconciler: %w", err)
	}

	for _, c := range res.Conflicts {
		r.logger.WarnContext(ctx, "reconciler: trade skipped",
			slog.String("connection_id", conn.ID.String()),
			slog.String("external_id", c.ExternalID),
			slog.String("symbol", c.Symbol),
			slog.String("reason", c.Reason),
		)
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, tx domain.Store, conn domain.BrokerConnection, trades []domain.RawTrade) (ReconcileResult, error) {
	var res ReconcileResult
	loc := conn.Location()
	dates := make(map[time.Time]struct{})
	touch := func(t *time.Time) {
		if t != nil {
			dates[domain.CivilDate(*t, loc)] = struct{}{}
		}
	}
	now := r.now().UTC()

	for _, raw := range trades {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		incoming, conflict := normalize(conn, raw)
		if conflict != nil {
			res.Skipped++
			res.Conflicts = append(res.Conflicts, *conflict)
			continue
		}

		existing, err := lookup(ctx, tx.Trades(), incoming)
		if errors.Is(err, domain.ErrNotFound) {
			incoming.ID = uuid.New()
			incoming.CreatedAt = now
			incoming.UpdatedAt = now
			if err := tx.Trades().Insert(ctx, incoming); err != nil {
				return res, err
			}
			res.Inserted++
			if incoming.Status == domain.TradeClosed {
				touch(incoming.CloseTime)
			}
			continue
		}
		if err != nil {
			return res, err
		}

		if existing.Status == domain.TradeClosed && incoming.Status == domain.TradeOpen {
			res.Skipped++
			res.Conflicts = append(res.Conflicts, domain.ReconcileConflict{
				ExternalID: incoming.ExternalTradeID,
				Symbol:     incoming.Symbol,
				Reason:     "closed trade reported as open",
			})
			continue
		}

		merged := merge(existing, incoming)
		if sameTrade(existing, merged) {
			res.Unchanged++
			continue
		}
		merged.UpdatedAt = now
		if err := tx.Trades().Update(ctx, merged); err != nil {
			return res, err
		}
		res.Updated++
		if existing.Status == domain.TradeClosed {
			touch(existing.CloseTime)
		}
		if merged.Status == domain.TradeClosed {
			touch(merged.CloseTime)
		}
	}

	res.Dates = make([]time.Time, 0, len(dates))
	for d := range dates {
		res.Dates = append(res.Dates, d)
	}
	sort.Slice(res.Dates, func(i, j int) bool { return res.Dates[i].Before(res.Dates[j]) })
	return res, nil
}

func lookup(ctx context.Context, trades domain.TradeStore, t domain.BrokerTrade) (domain.BrokerTrade, error) {
	if t.ExternalTradeID != "" {
		return trades.GetByExternalID(ctx, t.ConnectionID, t.ExternalTradeID)
	}
	return trades.FindByComposite(ctx, t.ConnectionID, t.Symbol, t.OpenTime, t.CloseTime, t.Volume)
}

// normalize maps a RawTrade onto a BrokerTrade for conn, or reports why it
// cannot be stored.
func normalize(conn domain.BrokerConnection, raw domain.RawTrade) (domain.BrokerTrade, *domain.ReconcileConflict) {
	t := domain.BrokerTrade{
		ConnectionID:    conn.ID,
		UserID:          conn.UserID,
		Provider:        conn.Provider,
		ExternalTradeID: strings.TrimSpace(raw.ExternalID),
		Symbol:          strings.TrimSpace(raw.Symbol),
		OpenTime:        storeTime(raw.OpenTime),
		OpenPrice:       raw.OpenPrice,
		ClosePrice:      raw.ClosePrice,
		Volume:          raw.Volume,
		PnL:             orZero(raw.PnL),
		Commission:      orZero(raw.Commission),
		Swap:            orZero(raw.Swap),
		Status:          raw.Status,
		Metadata:        normalizeMeta(raw.Metadata),
	}
	if raw.CloseTime != nil {
		ct := storeTime(*raw.CloseTime)
		t.CloseTime = &ct
	}
	if t.Status == "" {
		t.Status = domain.TradeOpen
		if t.CloseTime != nil {
			t.Status = domain.TradeClosed
		}
	}

	fail := func(reason string) (domain.BrokerTrade, *domain.ReconcileConflict) {
		return t, &domain.ReconcileConflict{ExternalID: t.ExternalTradeID, Symbol: t.Symbol, Reason: reason}
	}
	side, ok := domain.ParseSide(string(raw.Side))
	switch {
	case t.Symbol == "":
		return fail("missing symbol")
	case t.OpenTime.IsZero():
		return fail("missing open time")
	case !ok:
		return fail(fmt.Sprintf("unknown side %q", raw.Side))
	case t.Status != domain.TradeOpen && t.Status != domain.TradeClosed:
		return fail(fmt.Sprintf("unknown status %q", t.Status))
	case t.Status == domain.TradeClosed && t.CloseTime == nil:
		return fail("closed trade without close time")
	case t.Status == domain.TradeOpen && t.CloseTime != nil:
		return fail("open trade with close time")
	case t.CloseTime != nil && t.CloseTime.Before(t.OpenTime):
		return fail("close time before open time")
	case t.Volume < 0:
		return fail("negative volume")
	case !finite(t.OpenPrice, t.Volume, t.PnL, t.Commission, t.Swap) ||
		(t.ClosePrice != nil && !finite(*t.ClosePrice)):
		return fail("non-finite number")
	}
	t.Side = side
	return t, nil
}

// merge overlays the mutable fields of incoming onto existing. Identity and
// open_time never change after insert.
func merge(existing, incoming domain.BrokerTrade) domain.BrokerTrade {
	out := existing
	out.Symbol = incoming.Symbol
	out.Side = incoming.Side
	out.CloseTime = incoming.CloseTime
	out.OpenPrice = incoming.OpenPrice
	out.ClosePrice = incoming.ClosePrice
	out.Volume = incoming.Volume
	out.PnL = incoming.PnL
	out.Commission = incoming.Commission
	out.Swap = incoming.Swap
	out.Status = incoming.Status

	meta := make(map[string]any, len(existing.Metadata)+len(incoming.Metadata))
	for k, v := range existing.Metadata {
		meta[k] = v
	}
	for k, v := range incoming.Metadata {
		meta[k] = v
	}
	out.Metadata = meta
	return out
}

func sameTrade(a, b domain.BrokerTrade) bool {
	return a.Symbol == b.Symbol &&
		a.Side == b.Side &&
		a.Status == b.Status &&
		sameTime(a.CloseTime, b.CloseTime) &&
		near(a.OpenPrice, b.OpenPrice) &&
		sameFloat(a.ClosePrice, b.ClosePrice) &&
		near(a.Volume, b.Volume) &&
		near(a.PnL, b.PnL) &&
		near(a.Commission, b.Commission) &&
		near(a.Swap, b.Swap) &&
		sameMeta(a.Metadata, b.Metadata)
}

func sameMeta(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return near(*a, *b)
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= priceEpsilon
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// storeTime is t as both stores persist it: UTC at microsecond precision.
func storeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

// normalizeMeta round-trips metadata through JSON so values compare equal to
// what the store hands back.
func normalizeMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
