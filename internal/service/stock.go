package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/seckill/internal/repository"
	"github.com/iliyamo/seckill/internal/telemetry"
)

// StockSource is the durable side of the stock ledger.  AvailableStock must
// return configured stock minus units held by live orders.
type StockSource interface {
	AvailableStock(ctx context.Context, productID uint64) (int64, error)
	ListIDs(ctx context.Context) ([]uint64, error)
}

// Result codes of decrScript.
const (
	decrOK       = 0
	decrOversold = -1
	decrMiss     = -2
	decrInvalid  = -3
)

// decrScript decrements the counter (KEYS[1]) by ARGV[1] and adds the units
// to the in-flight count (KEYS[2]).  When the result would be negative the
// decrement is undone inside the same script, so no other client ever
// reads a negative value.  Returns {code, value}.
var decrScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return {-2, 0}
end
local n = tonumber(v)
if n == nil or n ~= math.floor(n) or n < 0 then
	return {-3, 0}
end
local qty = tonumber(ARGV[1])
local left = redis.call('DECRBY', KEYS[1], qty)
if left < 0 then
	redis.call('INCRBY', KEYS[1], qty)
	return {-1, left + qty}
end
redis.call('INCRBY', KEYS[2], qty)
return {0, left}
`)

// rebuildScript writes ARGV[1] (ledger stock) minus the in-flight units to
// the counter, unless the generation (KEYS[3]) moved away from ARGV[2]
// since the ledger was read.  Returns {value, changed}, or {-1, 0} when the
// ledger read is stale.
var rebuildScript = redis.NewScript(`
local gen = tonumber(redis.call('GET', KEYS[3]) or '0') or 0
if gen ~= tonumber(ARGV[2]) then
	return {-1, 0}
end
local inflight = tonumber(redis.call('GET', KEYS[2]) or '0') or 0
local v = tonumber(ARGV[1]) - inflight
if v < 0 then
	v = 0
end
local cur = redis.call('GET', KEYS[1])
redis.call('SET', KEYS[1], v)
if cur and tonumber(cur) == v then
	return {v, 0}
end
return {v, 1}
`)

// commitScript moves units out of the in-flight count once their order is
// durable and bumps the generation, so a rebuild that read the ledger
// before the commit is discarded.
var commitScript = redis.NewScript(`
local n = redis.call('DECRBY', KEYS[1], ARGV[1])
if n < 0 then
	redis.call('SET', KEYS[1], 0)
end
return redis.call('INCR', KEYS[2])
`)

// rollbackScript takes units out of the in-flight count after their
// order insert failed, drops the counter (KEYS[1]) and bumps the
// generation.  A failed insert may still have committed, so the units are
// never added back directly: the next rebuild reads the ledger, which
// counts the row if it exists.
var rollbackScript = redis.NewScript(`
local n = redis.call('DECRBY', KEYS[2], ARGV[1])
if n < 0 then
	redis.call('SET', KEYS[2], 0)
end
redis.call('DEL', KEYS[1])
return redis.call('INCR', KEYS[3])
`)

// StockLedger owns the Redis stock counters.  It is the only component
// that mutates them.
//
// Next to each counter it keeps the units that were decremented but whose
// order is not durable yet (in-flight), and a generation that moves
// whenever units leave that state.  A rebuild subtracts in-flight units
// from the ledger value and is discarded if the generation moved while
// the ledger was read, so no unit is counted twice or not at all.  Units
// stranded by a crash stay in-flight: the product under-sells, never
// oversells, until InitStock is run.
type StockLedger struct {
	rdb    *redis.Client
	source StockSource
	log    *slog.Logger

	lockTTL        time.Duration // reconciliation lock lifetime, also the cool-down between ledger reads
	lockWait       time.Duration // how long a caller waits for someone else's reconciliation
	pollEvery      time.Duration
	rebuildRetries int
}

// NewStockLedger returns a ledger that reconciles from source.
func NewStockLedger(rdb *redis.Client, source StockSource, log *slog.Logger) *StockLedger {
	return &StockLedger{
		rdb:            rdb,
		source:         source,
		log:            log,
		lockTTL:        500 * time.Millisecond,
		lockWait:       2 * time.Second,
		pollEvery:      20 * time.Millisecond,
		rebuildRetries: 3,
	}
}

func stockKey(productID uint64) string {
	return fmt.Sprintf("seckill:stock:%d", productID)
}

func inflightKey(productID uint64) string {
	return fmt.Sprintf("seckill:inflight:%d", productID)
}

func generationKey(productID uint64) string {
	return fmt.Sprintf("seckill:stockgen:%d", productID)
}

// lockMissing is written to the reconciliation lock when the ledger has
// no such product.
const lockMissing = "missing"

func reconcileLockKey(productID uint64) string {
	return fmt.Sprintf("seckill:reconcile:%d", productID)
}

// Decrement reserves a single unit.
func (s *StockLedger) Decrement(ctx context.Context, productID uint64) (bool, error) {
	_, ok, err := s.DecrementBy(ctx, productID, 1)
	return ok, err
}

// DecrementBy reserves qty units and returns the stock left afterwards.
// ok is false when the product is sold out or when the store could not
// prove the decrement; the latter also returns an error.
//
// A missing or unreadable counter is rebuilt from the ledger before the
// first decrement.  A decrement that would oversell triggers one
// reconciliation and at most one retry.
func (s *StockLedger) DecrementBy(ctx context.Context, productID uint64, qty int64) (left int64, ok bool, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "stock.decrement", trace.WithAttributes(
		attribute.Int64("product_id", int64(productID)),
		attribute.Int64("quantity", qty),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decrement failed")
		}
	}()

	code, left, err := s.runDecr(ctx, productID, qty)
	if err != nil {
		return 0, false, err
	}
	if code == decrOK {
		return left, true, nil
	}

	available, err := s.reconcile(ctx, productID, reasonFor(code))
	if err != nil {
		return 0, false, err
	}
	if available < qty {
		return available, false, nil
	}

	code, left, err = s.runDecr(ctx, productID, qty)
	if err != nil {
		return 0, false, err
	}
	switch code {
	case decrOK:
		return left, true, nil
	case decrOversold:
		return left, false, nil
	default:
		// The counter vanished again between reconciliation and retry.
		return 0, false, fmt.Errorf("stock counter for product %d unstable after reconciliation", productID)
	}
}

func reasonFor(code int64) string {
	switch code {
	case decrMiss:
		return "miss"
	case decrInvalid:
		return "invalid"
	}
	return "oversold"
}

func (s *StockLedger) runDecr(ctx context.Context, productID uint64, qty int64) (code, value int64, err error) {
	res, err := decrScript.Run(ctx, s.rdb, []string{stockKey(productID), inflightKey(productID)}, qty).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("decrement product %d: %w", productID, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("decrement product %d: unexpected script result %v", productID, res)
	}
	return res[0], res[1], nil
}

// GetStock returns the counter value, rebuilding it from the ledger when
// it is missing or not a valid count.
func (s *StockLedger) GetStock(ctx context.Context, productID uint64) (int64, error) {
	n, err := s.rdb.Get(ctx, stockKey(productID)).Int64()
	switch {
	case err == nil && n >= 0:
		return n, nil
	case err == nil:
		return s.reconcile(ctx, productID, "invalid")
	case errors.Is(err, redis.Nil):
		return s.reconcile(ctx, productID, "miss")
	case isParseError(err):
		return s.reconcile(ctx, productID, "invalid")
	default:
		return 0, fmt.Errorf("read stock product %d: %w", productID, err)
	}
}

func isParseError(err error) bool {
	var ne *strconv.NumError
	return errors.As(err, &ne)
}

// reconcile brings the counter in line with the ledger.  Only the holder of
// the per-product lock reads the ledger; everyone else waits for the
// counter to become readable.  The lock is left to expire so that a burst
// of sold-out requests causes at most one ledger read per lockTTL.
func (s *StockLedger) reconcile(ctx context.Context, productID uint64, reason string) (int64, error) {
	key := stockKey(productID)
	deadline := time.Now().Add(s.lockWait)
	for {
		won, err := s.rdb.SetNX(ctx, reconcileLockKey(productID), 1, s.lockTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("reconcile lock product %d: %w", productID, err)
		}
		if won {
			return s.rebuild(ctx, productID, reason)
		}

		n, err := s.rdb.Get(ctx, key).Int64()
		if err == nil && n >= 0 {
			return n, nil
		}
		if errors.Is(err, redis.Nil) {
			if v, lerr := s.rdb.Get(ctx, reconcileLockKey(productID)).Result(); lerr == nil && v == lockMissing {
				return 0, repository.ErrProductNotFound
			}
		}
		if err != nil && !errors.Is(err, redis.Nil) && !isParseError(err) {
			return 0, fmt.Errorf("read stock product %d: %w", productID, err)
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("product %d: %w", productID, ErrReconcileTimeout)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.pollEvery):
		}
	}
}

// rebuild writes ledger stock minus in-flight units to the counter.
// Callers must hold the reconciliation lock.
func (s *StockLedger) rebuild(ctx context.Context, productID uint64, reason string) (int64, error) {
	keys := []string{stockKey(productID), inflightKey(productID), generationKey(productID)}
	for i := 0; i < s.rebuildRetries; i++ {
		gen, err := s.rdb.Get(ctx, generationKey(productID)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("read stock generation product %d: %w", productID, err)
		}
		available, err := s.source.AvailableStock(ctx, productID)
		if errors.Is(err, repository.ErrProductNotFound) {
			// The lock stays until it expires, which also throttles
			// lookups of unknown ids; waiters read the marker.
			_ = s.rdb.SetXX(ctx, reconcileLockKey(productID), lockMissing, redis.KeepTTL).Err()
			return 0, err
		}
		if err != nil {
			// Let the next caller retry instead of waiting out the lock.
			_ = s.rdb.Del(ctx, reconcileLockKey(productID)).Err()
			return 0, fmt.Errorf("ledger stock product %d: %w", productID, err)
		}
		res, err := rebuildScript.Run(ctx, s.rdb, keys, available, gen).Int64Slice()
		if err != nil {
			return 0, fmt.Errorf("write stock product %d: %w", productID, err)
		}
		if len(res) != 2 {
			return 0, fmt.Errorf("write stock product %d: unexpected script result %v", productID, res)
		}
		if res[0] < 0 {
			continue // an order committed while the ledger was read
		}
		if res[1] == 1 {
			telemetry.StockReconciliations.WithLabelValues(reason).Inc()
			s.log.InfoContext(ctx, "stock counter reconciled",
				slog.Uint64("product_id", productID),
				slog.String("reason", reason),
				slog.Int64("stock", res[0]),
			)
		}
		return res[0], nil
	}
	_ = s.rdb.Del(ctx, reconcileLockKey(productID)).Err()
	return 0, fmt.Errorf("product %d: ledger kept changing during reconciliation", productID)
}

// Commit marks qty in-flight units as durable.  The order writer calls it
// once the order row is committed.
func (s *StockLedger) Commit(ctx context.Context, productID uint64, qty int64) error {
	keys := []string{inflightKey(productID), generationKey(productID)}
	if err := commitScript.Run(ctx, s.rdb, keys, qty).Err(); err != nil {
		return fmt.Errorf("commit stock product %d: %w", productID, err)
	}
	return nil
}

// Rollback releases qty in-flight units whose order insert failed and
// invalidates the counter, so the product is rebuilt from the ledger on
// its next access.
func (s *StockLedger) Rollback(ctx context.Context, productID uint64, qty int64) error {
	keys := []string{stockKey(productID), inflightKey(productID), generationKey(productID)}
	if err := rollbackScript.Run(ctx, s.rdb, keys, qty).Err(); err != nil {
		return fmt.Errorf("rollback stock product %d: %w", productID, err)
	}
	return nil
}

// Invalidate drops the counter so that the next access rebuilds it from
// the ledger.  It follows the cancellation of a durable order: adding the
// units back directly could race a rebuild that already saw the
// cancellation.
func (s *StockLedger) Invalidate(ctx context.Context, productID uint64) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, stockKey(productID))
	pipe.Incr(ctx, generationKey(productID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate stock product %d: %w", productID, err)
	}
	return nil
}

// InitStock overwrites one counter from the ledger and clears its
// in-flight units.  It is an operator action for a product with no
// purchase in progress, e.g. to recover units stranded by a crash.
func (s *StockLedger) InitStock(ctx context.Context, productID uint64) (int64, error) {
	available, err := s.source.AvailableStock(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("ledger stock product %d: %w", productID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, stockKey(productID), available, 0)
	pipe.Del(ctx, inflightKey(productID))
	pipe.Incr(ctx, generationKey(productID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("write stock product %d: %w", productID, err)
	}
	telemetry.StockReconciliations.WithLabelValues("admin").Inc()
	s.log.InfoContext(ctx, "stock counter initialised",
		slog.Uint64("product_id", productID),
		slog.Int64("stock", available),
	)
	return available, nil
}

// SyncAllStock rebuilds the counter of every product that has not ended
// and returns how many were written.  Unlike InitStock it keeps in-flight
// units, so it is safe while a sale is running.  Failures for single
// products do not stop the sync; they are joined into the returned error.
func (s *StockLedger) SyncAllStock(ctx context.Context) (int, error) {
	ids, err := s.source.ListIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list products: %w", err)
	}
	var errs []error
	synced := 0
	for _, id := range ids {
		if _, err := s.rebuild(ctx, id, "sync"); err != nil {
			errs = append(errs, err)
			continue
		}
		synced++
	}
	s.log.InfoContext(ctx, "stock counters synced", slog.Int("synced", synced), slog.Int("failed", len(errs)))
	return synced, errors.Join(errs...)
}
