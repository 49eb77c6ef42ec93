package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DelayedExchangeType is the exchange type provided by the RabbitMQ
// delayed-message plugin. Messages published to such an exchange with
// an x-delay header are held back for that many milliseconds.
const DelayedExchangeType = "x-delayed-message"

// ExchangeDeclaration defines an exchange to declare.
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to declare.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding routes an exchange to a queue.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied as a unit.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// DispatchTopology builds the topology for one work/dead-letter queue
// pair. The work queue dead-letters rejected messages straight to the
// dead-letter queue via the default exchange, and both queues are
// bound to the delayed exchange so deferred sends can target either.
func DispatchTopology(delayedExchange, workQueue, deadLetterQueue string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{
				Name:    delayedExchange,
				Type:    DelayedExchangeType,
				Durable: true,
				Arguments: amqp.Table{
					"x-delayed-type": "direct",
				},
			},
		},
		Queues: []QueueDeclaration{
			{
				Name:    workQueue,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    "",
					"x-dead-letter-routing-key": deadLetterQueue,
				},
			},
			{
				Name:    deadLetterQueue,
				Durable: true,
			},
		},
		Bindings: []Binding{
			{Queue: workQueue, Exchange: delayedExchange, RoutingKey: workQueue},
			{Queue: deadLetterQueue, Exchange: delayedExchange, RoutingKey: deadLetterQueue},
		},
	}
}

// TopologyManager applies topology declarations through the pool.
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a topology manager.
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// Declare applies the full topology: exchanges first, then queues,
// then bindings.
func (tm *TopologyManager) Declare(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topology.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, ex.Arguments); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
			}
		}
		for _, q := range topology.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.Name, err)
			}
		}
		for _, b := range topology.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
				return fmt.Errorf("bind %s to %s: %w", b.Queue, b.Exchange, err)
			}
		}
		return nil
	})
}
