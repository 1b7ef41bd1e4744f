package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wisefido-vitals/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"
)

var (
	// ErrConnectTimeout 握手未在超时时间内完成
	ErrConnectTimeout = errors.New("mqtt connect timed out")
	// ErrAuthRejected Broker 拒绝了用户名/密码
	ErrAuthRejected = errors.New("mqtt credentials rejected")
	// ErrNotConnected 客户端尚未连接
	ErrNotConnected = errors.New("mqtt client not connected")
)

// subackFailure SUBACK 返回码 0x80 表示订阅失败
const subackFailure byte = 0x80

const defaultOperationTimeout = 10 * time.Second

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// Client MQTT客户端封装
//
// 每个 Client 只持有一个 paho 连接；重连策略由调用方负责，因此关闭了 paho 的自动重连。
type Client struct {
	mu     sync.Mutex
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger
}

// NewClient 创建MQTT客户端（不会立即连接）
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger,
	}
}

// Connect 建立连接
// username/password 为空时使用配置中的凭据；onLost 在连接意外断开时被调用
func (c *Client) Connect(ctx context.Context, username, password string, onLost func(error)) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)

	if username == "" {
		username = c.config.Username
	}
	if password == "" {
		password = c.config.Password
	}
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(c.operationTimeout())
	if c.config.KeepAlive > 0 {
		opts.SetKeepAlive(c.config.KeepAlive)
	}
	if isSecureBroker(c.config.Broker) {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost",
			zap.String("broker", c.config.Broker),
			zap.String("client_id", c.config.ClientID),
			zap.Error(err),
		)
		if onLost != nil {
			onLost(err)
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.config.Broker, ErrConnectTimeout)
		}
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.config.Broker, ctx.Err())
	}

	if err := token.Error(); err != nil {
		if isAuthRejected(token, err) {
			return fmt.Errorf("failed to connect to MQTT broker %s: %w: %v", c.config.Broker, ErrAuthRejected, err)
		}
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.config.Broker, err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Info("Connected to MQTT broker",
		zap.String("broker", c.config.Broker),
		zap.String("client_id", c.config.ClientID),
	)
	return nil
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	client, err := c.connected()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	token := client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if err := c.wait(token); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, ok := st.Result()[topic]; ok && code == subackFailure {
			return fmt.Errorf("failed to subscribe to topic %s: broker refused subscription", topic)
		}
	}

	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	client, err := c.connected()
	if err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	if err := c.wait(client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	client, err := c.connected()
	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	if err := c.wait(client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	return nil
}

// Disconnect 断开连接（可重复调用）
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(250) // 250ms等待时间
	}
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) connected() (mqtt.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || !c.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *Client) wait(token mqtt.Token) error {
	if !token.WaitTimeout(c.operationTimeout()) {
		return fmt.Errorf("timed out after %s", c.operationTimeout())
	}
	return token.Error()
}

func (c *Client) operationTimeout() time.Duration {
	if c.config.ConnectTimeout > 0 {
		return c.config.ConnectTimeout
	}
	return defaultOperationTimeout
}

func isAuthRejected(token mqtt.Token, err error) bool {
	if ct, ok := token.(*mqtt.ConnectToken); ok {
		switch ct.ReturnCode() {
		case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
			return true
		}
	}
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}

func isSecureBroker(broker string) bool {
	b := strings.ToLower(broker)
	return strings.HasPrefix(b, "ssl://") ||
		strings.HasPrefix(b, "tls://") ||
		strings.HasPrefix(b, "mqtts://") ||
		strings.HasPrefix(b, "wss://")
}
