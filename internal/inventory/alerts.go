package inventory

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-order-core/internal/kafka"
	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/ariefcatur/go-order-core/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"
)

// Watcher consumes order.created and raises inventory.low_stock for every
// ordered product that has fallen to its MinStockLevel.
type Watcher struct {
	Ledger      *Ledger
	Redis       *redis.Client // nil disables dedup
	Publisher   orders.Publisher
	ServiceName string
}

// HandleOrderCreated is installed as the kafka consumer handler.
func (w *Watcher) HandleOrderCreated(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		// poison message: committing it is the only way forward
		log.Error().Err(err).Int64("offset", m.Offset).Msg("dropping undecodable message")
		return nil
	}
	if env.EventType != orders.EventOrderCreated {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, "inventory", env.EventID)
	if w.Redis != nil {
		first, err := redisx.MarkOnce(ctx, w.Redis, dkey, redisx.TTLDedup)
		if err != nil {
			return err
		}
		if !first {
			log.Debug().Str("eventId", env.EventID).Msg("duplicate order.created skipped")
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
	if err != nil {
		log.Error().Err(err).Str("eventId", env.EventID).Msg("dropping order.created with bad payload")
		return nil
	}

	if err := w.check(ctx, p, env.TraceID); err != nil {
		// let the redelivery through the dedup gate
		if w.Redis != nil {
			_ = w.Redis.Del(ctx, dkey).Err()
		}
		return err
	}
	return nil
}

func (w *Watcher) check(ctx context.Context, p orders.OrderCreatedPayload, trace string) error {
	seen := map[string]bool{}
	for _, it := range p.Items {
		if seen[it.ProductID] {
			continue
		}
		seen[it.ProductID] = true

		rec, err := w.Ledger.Get(ctx, it.ProductID)
		if orders.IsKind(err, orders.KindNotFound) {
			log.Warn().Str("orderId", p.OrderID).Str("productId", it.ProductID).Msg("no inventory row for ordered product")
			continue
		}
		if err != nil {
			return err
		}
		if !LowStock(rec) {
			continue
		}
		if err := w.publishLowStock(ctx, rec, p.OrderID, trace); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) publishLowStock(ctx context.Context, rec orders.InventoryRecord, orderID, trace string) error {
	// keyed by product so alerts for one product stay on one partition
	env, err := orders.NewEnvelope(orders.EventLowStock, w.ServiceName, rec.ProductID, orders.LowStockPayload{
		ProductID:     rec.ProductID,
		OrderID:       orderID,
		Available:     rec.Available(),
		MinStockLevel: rec.MinStockLevel,
		MaxStockLevel: rec.MaxStockLevel,
		RestockQty:    RestockQty(rec),
	})
	if err != nil {
		return err
	}
	env.TraceID = trace
	if err := w.Publisher.Publish(ctx, orders.TopicLowStock, env); err != nil {
		return fmt.Errorf("publish low stock %s: %w", rec.ProductID, err)
	}
	log.Info().Str("productId", rec.ProductID).Int("available", rec.Available()).
		Int("restockQty", RestockQty(rec)).Msg("low stock")
	return nil
}
