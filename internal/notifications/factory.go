package notifications

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/darkden-lab/ordertracking/internal/config"
)

// TopologyFromConfig returns the exchange, queue and routing key both sides of
// the pipeline agree on.
func TopologyFromConfig(cfg *config.Config) Topology {
	return Topology{
		Exchange:   cfg.ExchangeName,
		Queue:      cfg.QueueName,
		RoutingKey: cfg.RoutingKey,
	}
}

// NewConnector picks the broker transport named by BROKER. The in-memory
// broker only connects publisher and consumer within one process.
func NewConnector(cfg *config.Config, logger *zap.Logger) (Connector, error) {
	switch cfg.Broker {
	case config.BrokerAMQP:
		logger.Info("using AMQP broker")
		return NewAMQPConnector(cfg.AMQPURL), nil
	case config.BrokerKafka:
		brokers := cfg.KafkaBrokerList()
		logger.Info("using Kafka broker",
			zap.Strings("brokers", brokers),
			zap.String("group", cfg.KafkaConsumerGroup))
		return NewKafkaConnector(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		})
	case config.BrokerMemory:
		logger.Warn("using in-memory broker; events do not leave this process")
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}
