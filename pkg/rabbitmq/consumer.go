/**
 * @description
 * Queue consumer for events published by other Mobul services. Handlers are registered per
 * routing key and tell the consumer how to settle each delivery. A delivery that fails on
 * its redelivery too is dead-lettered to "<queue>.dead" instead of looping forever.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Outcome is a handler's verdict on one delivery.
type Outcome int

const (
	// Ack removes the delivery from the queue.
	Ack Outcome = iota
	// Retry requeues the delivery once; a second failure dead-letters it.
	Retry
	// DeadLetter moves the delivery straight to the dead-letter queue.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	default:
		return "dead_letter"
	}
}

// HandlerFunc processes one delivery body.
type HandlerFunc func(ctx context.Context, body []byte) Outcome

// Consumer reads one durable queue bound to a topic exchange.
type Consumer struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	handlers map[string]HandlerFunc
	wg       sync.WaitGroup
}

// NewConsumer dials RabbitMQ. Register handlers with Handle before calling Start.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, handlers: map[string]HandlerFunc{}}, nil
}

// Handle registers the handler for a routing key.
func (c *Consumer) Handle(routingKey string, handler HandlerFunc) {
	if c.handlers == nil {
		c.handlers = map[string]HandlerFunc{}
	}
	c.handlers[routingKey] = handler
}

// Start declares the exchange, the queue with its dead-letter pair and the bindings, then
// settles deliveries in the background until ctx is cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context, exchange, queue string, prefetch int) error {
	if len(c.handlers) == 0 {
		return errors.New("rabbitmq consumer has no handlers registered")
	}

	deadExchange := queue + ".dlx"
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(deadExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	dead, err := c.ch.QueueDeclare(queue+".dead", true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(dead.Name, "", deadExchange, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queue, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange": deadExchange,
	})
	if err != nil {
		return err
	}
	for routingKey := range c.handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return err
		}
	}

	deliveries, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
					return
				}
				c.settle(ctx, d)
			}
		}
	}()
	return nil
}

// settle runs the delivery's handler and acks, requeues or dead-letters it.
func (c *Consumer) settle(ctx context.Context, d amqp091.Delivery) Outcome {
	outcome := DeadLetter
	if handler, ok := c.handlers[d.RoutingKey]; ok {
		outcome = handler(ctx, d.Body)
	} else {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"unrouted delivery\" routing_key=%s", d.RoutingKey)
	}
	if outcome == Retry && d.Redelivered {
		log.Printf("level=error component=rabbitmq_consumer msg=\"delivery failed after redelivery\" routing_key=%s message_id=%s", d.RoutingKey, d.MessageId)
		outcome = DeadLetter
	}

	var err error
	switch outcome {
	case Ack:
		err = d.Ack(false)
	case Retry:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		log.Printf("level=error component=rabbitmq_consumer msg=\"settle failed\" routing_key=%s outcome=%s err=%v", d.RoutingKey, outcome, err)
	}
	return outcome
}

// Close stops the delivery loop and closes the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
}
