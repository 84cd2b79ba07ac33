package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const exchangeKindDirect = "direct"

// Binding 队列与路由键的绑定
type Binding struct {
	Queue      string
	RoutingKey string
}

// Topology 交换机与队列拓扑
type Topology struct {
	Exchange string
	Bindings []Binding
}

// NewTopology 构建默认拓扑: email / push / status 三个持久队列
func NewTopology(exchange, emailQueue, pushQueue, statusQueue string) Topology {
	return Topology{
		Exchange: exchange,
		Bindings: []Binding{
			{Queue: emailQueue, RoutingKey: RoutingKeyEmail},
			{Queue: pushQueue, RoutingKey: RoutingKeyPush},
			{Queue: statusQueue, RoutingKey: RoutingKeyStatus},
		},
	}
}

// QueueFor 返回绑定到路由键的队列名
func (topology Topology) QueueFor(routingKey string) (string, bool) {
	for _, binding := range topology.Bindings {
		if binding.RoutingKey == routingKey {
			return binding.Queue, true
		}
	}
	return "", false
}

// topologyChannel 声明拓扑所需的通道能力,*amqp.Channel 满足该接口
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology 幂等地声明交换机、队列和绑定
func DeclareTopology(channel topologyChannel, topology Topology) error {
	if err := channel.ExchangeDeclare(topology.Exchange, exchangeKindDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topology.Exchange, err)
	}

	for _, binding := range topology.Bindings {
		if _, err := channel.QueueDeclare(binding.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", binding.Queue, err)
		}

		if err := channel.QueueBind(binding.Queue, binding.RoutingKey, topology.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", binding.Queue, binding.RoutingKey, err)
		}
	}

	return nil
}
