/**
 * @description
 * Consumer for settlement outcome events. One durable queue is bound to the
 * events exchange for every routing key in the binding map. A delivery whose
 * handler fails is requeued once; a second failure dead-letters it.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 16

// Handler processes one delivery body. Returning false asks for redelivery.
type Handler func([]byte) bool

// ConsumerOptions tunes the queue declared by ConsumeWithBindings.
type ConsumerOptions struct {
	Prefetch int
	// DeadLetterExchange receives deliveries that failed twice. Empty means
	// "<exchange>.dlx".
	DeadLetterExchange string
}

// Consumer holds the connection and channel deliveries arrive on.
type Consumer struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
	opts ConsumerOptions
	wg   sync.WaitGroup
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionDeadLetter
)

// dispositionFor decides what happens to a delivery after its handler ran.
func dispositionFor(handled, known, redelivered bool) disposition {
	switch {
	case !known || handled:
		return dispositionAck
	case redelivered:
		return dispositionDeadLetter
	default:
		return dispositionRequeue
	}
}

// NewConsumer dials RabbitMQ and opens a channel with a bounded prefetch.
func NewConsumer(amqpURL string, opts ...ConsumerOptions) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(cleanURL, "/") {
		cleanURL += "/"
	}

	var o ConsumerOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Prefetch <= 0 {
		o.Prefetch = defaultPrefetch
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(o.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, opts: o}, nil
}

// ConsumeWithBindings declares the exchange, its dead-letter exchange and the
// queue, binds every routing key and dispatches deliveries in the background.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	dlx := c.opts.DeadLetterExchange
	if dlx == "" {
		dlx = exchange + ".dlx"
	}
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := c.ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", dlx, err)
	}
	if _, err := c.ch.QueueDeclare(queueName+".dead", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := c.ch.QueueBind(queueName+".dead", "", dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange": dlx,
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", routingKey, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range msgs {
			c.dispatch(d, handlers)
		}
		log.Printf("level=info component=rabbitmq_consumer queue=%s msg=\"delivery channel closed\"", q.Name)
	}()

	log.Printf("level=info component=rabbitmq_consumer queue=%s exchange=%s bindings=%d msg=\"consuming\"", q.Name, exchange, len(handlers))
	return nil
}

func (c *Consumer) dispatch(d amqp091.Delivery, handlers map[string]Handler) {
	handler, known := handlers[d.RoutingKey]
	handled := known && handler(d.Body)

	switch dispositionFor(handled, known, d.Redelivered) {
	case dispositionAck:
		if !known {
			log.Printf("level=warn component=rabbitmq_consumer routing_key=%s msg=\"no handler; dropping\"", d.RoutingKey)
		}
		d.Ack(false)
	case dispositionRequeue:
		log.Printf("level=warn component=rabbitmq_consumer routing_key=%s message_id=%s msg=\"handler failed; re-queuing\"", d.RoutingKey, d.MessageId)
		d.Nack(false, true)
	case dispositionDeadLetter:
		log.Printf("level=error component=rabbitmq_consumer routing_key=%s message_id=%s msg=\"handler failed on redelivery; dead-lettering\"", d.RoutingKey, d.MessageId)
		d.Nack(false, false)
	}
}

// Close stops consumption and waits for the in-flight delivery to finish.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
}
