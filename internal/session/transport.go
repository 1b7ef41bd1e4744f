package session

import (
	"fmt"

	"wisefido-vitals/common/config"
	mqttcommon "wisefido-vitals/common/mqtt"
	"wisefido-vitals/internal/connection"
	"wisefido-vitals/internal/subscription"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport 会话使用的传输层：连接管理和订阅两部分能力
type Transport interface {
	connection.Transport
	subscription.Transport
}

// TransportFactory 为每次 Start 创建独立的传输层
type TransportFactory func(patientID string) Transport

// NewMQTTTransportFactory 每个会话一个 paho 客户端，client id 追加 uuid 避免 broker 踢掉同名连接
func NewMQTTTransportFactory(cfg *config.MQTTConfig, logger *zap.Logger) TransportFactory {
	return func(patientID string) Transport {
		c := *cfg
		c.ClientID = fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString())
		return mqttcommon.NewClient(&c, logger.With(zap.String("patient_id", patientID)))
	}
}
