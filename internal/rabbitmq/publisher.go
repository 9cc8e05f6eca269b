// Package rabbitmq publishes order events to a topic exchange with publisher
// confirms. Routing keys are the same topic names used on Kafka.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const (
	publishTimeout = 5 * time.Second
	confirmBuffer  = 64
)

var ErrNotConfirmed = errors.New("message published but not confirmed")

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string

	mu      sync.Mutex
	seq     uint64 // delivery tag of the last publish on ch
	waiters map[uint64]chan amqp.Confirmation
}

func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	log.Info().Str("exchange", exchange).Msg("rabbitmq publisher ready")
	p := newPublisher(ch, exchange, ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)))
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, confirms <-chan amqp.Confirmation) *Publisher {
	p := &Publisher{ch: ch, exchange: exchange, waiters: map[uint64]chan amqp.Confirmation{}}
	go p.dispatch(confirms)
	return p
}

// dispatch hands every confirm to the publish waiting on its delivery tag.
// It never blocks, so the library's confirm delivery cannot stall behind a
// publish that already gave up.
func (p *Publisher) dispatch(confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		p.mu.Lock()
		w, ok := p.waiters[c.DeliveryTag]
		delete(p.waiters, c.DeliveryTag)
		p.mu.Unlock()
		if !ok {
			log.Debug().Uint64("tag", c.DeliveryTag).Bool("ack", c.Ack).Msg("late confirm dropped")
			continue
		}
		w <- c
	}
}

// Publish implements orders.Publisher and waits for the broker's confirm.
func (p *Publisher) Publish(ctx context.Context, topic string, env orders.Envelope) error {
	msg, err := toPublishing(env)
	if err != nil {
		return err
	}

	// Tags count successful publishes on the channel, so the publish and the
	// tag bookkeeping happen under one lock.
	p.mu.Lock()
	if err := p.ch.Publish(p.exchange, topic, false, false, msg); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.seq++
	tag := p.seq
	done := make(chan amqp.Confirmation, 1)
	p.waiters[tag] = done
	p.mu.Unlock()

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case c := <-done:
		if !c.Ack {
			return ErrNotConfirmed
		}
		return nil
	case <-ctx.Done():
		p.forget(tag)
		return ctx.Err()
	case <-timer.C:
		p.forget(tag)
		return errors.New("publish confirmation timeout")
	}
}

func (p *Publisher) forget(tag uint64) {
	p.mu.Lock()
	delete(p.waiters, tag)
	p.mu.Unlock()
}

func toPublishing(env orders.Envelope) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode envelope: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.EventID,
		CorrelationId: env.CorrelationID,
		Type:          env.EventType,
		AppId:         env.Producer,
		Timestamp:     env.OccurredAt,
		Headers:       amqp.Table{"x-event-version": int32(env.EventVersion)},
		Body:          body,
	}, nil
}

func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		log.Warn().Err(err).Msg("rabbitmq channel close")
	}
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
