// Package transporttest 提供内存版 MQTT 传输层，用于单元测试
package transporttest

import (
	"context"
	"errors"
	"sync"

	mqttcommon "wisefido-vitals/common/mqtt"
)

// ErrInjected 测试注入的失败
var ErrInjected = errors.New("injected transport failure")

// Message 已发布的消息
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Transport 内存传输层，实现 connection.Transport 和 subscription.Transport
type Transport struct {
	mu sync.Mutex

	connected    bool
	onLost       func(error)
	handlers     map[string]mqttcommon.MessageHandler
	lastHandlers map[string]mqttcommon.MessageHandler

	connectErrs     []error
	connectBlock    chan struct{}
	subscribeFails  map[string]int
	subscribeCalls  map[string]int
	subscribeBlock  map[string]*gate
	publishErr      error
	published       []Message
	unsubscribed    []string
	connectCalls    int
	disconnectCalls int
	username        string
	password        string
}

// New 创建内存传输层
func New() *Transport {
	return &Transport{
		handlers:       make(map[string]mqttcommon.MessageHandler),
		lastHandlers:   make(map[string]mqttcommon.MessageHandler),
		subscribeFails: make(map[string]int),
		subscribeCalls: make(map[string]int),
		subscribeBlock: make(map[string]*gate),
	}
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

// FailConnect 依次让接下来的 Connect 返回这些错误
func (t *Transport) FailConnect(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErrs = append(t.connectErrs, errs...)
}

// BlockConnect 让 Connect 阻塞直到返回的函数被调用或 ctx 结束
func (t *Transport) BlockConnect() (release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	t.connectBlock = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// BlockSubscribe 让下一次订阅 topic 阻塞，entered 在调用进入后关闭，release 放行
func (t *Transport) BlockSubscribe(topic string) (entered <-chan struct{}, release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	t.subscribeBlock[topic] = g
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

// FailSubscribe 让 topic 接下来的 n 次订阅失败，n<0 表示一直失败
func (t *Transport) FailSubscribe(topic string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeFails[topic] = n
}

// FailPublish 让后续 Publish 返回 err
func (t *Transport) FailPublish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

func (t *Transport) Connect(ctx context.Context, username, password string, onLost func(error)) error {
	t.mu.Lock()
	t.connectCalls++
	block := t.connectBlock
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.connectErrs) > 0 {
		err := t.connectErrs[0]
		t.connectErrs = t.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	t.connected = true
	t.onLost = onLost
	t.username = username
	t.password = password
	return nil
}

func (t *Transport) Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error {
	t.mu.Lock()
	t.subscribeCalls[topic]++
	g := t.subscribeBlock[topic]
	delete(t.subscribeBlock, topic)
	t.mu.Unlock()

	if g != nil {
		close(g.entered)
		<-g.release
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return mqttcommon.ErrNotConnected
	}
	if n := t.subscribeFails[topic]; n != 0 {
		if n > 0 {
			t.subscribeFails[topic] = n - 1
		}
		return ErrInjected
	}
	t.handlers[topic] = handler
	t.lastHandlers[topic] = handler
	return nil
}

func (t *Transport) Unsubscribe(topics ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return mqttcommon.ErrNotConnected
	}
	for _, topic := range topics {
		delete(t.handlers, topic)
		t.unsubscribed = append(t.unsubscribed, topic)
	}
	return nil
}

func (t *Transport) Publish(topic string, qos byte, retained bool, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return mqttcommon.ErrNotConnected
	}
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, Message{Topic: topic, QoS: qos, Retained: retained, Payload: append([]byte(nil), payload...)})
	return nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectCalls++
	t.connected = false
	t.handlers = make(map[string]mqttcommon.MessageHandler)
}

// Deliver 模拟 broker 向当前订阅投递消息；返回是否存在订阅
func (t *Transport) Deliver(topic string, payload []byte) bool {
	t.mu.Lock()
	h, ok := t.handlers[topic]
	t.mu.Unlock()
	if !ok {
		return false
	}
	_ = h(topic, payload)
	return true
}

// DeliverStale 使用该主题最后一次注册的回调投递（即使已取消订阅），模拟延迟到达的消息
func (t *Transport) DeliverStale(topic string, payload []byte) bool {
	t.mu.Lock()
	h, ok := t.lastHandlers[topic]
	t.mu.Unlock()
	if !ok {
		return false
	}
	_ = h(topic, payload)
	return true
}

// DropLink 模拟连接意外断开
func (t *Transport) DropLink(err error) {
	t.mu.Lock()
	t.connected = false
	t.handlers = make(map[string]mqttcommon.MessageHandler)
	onLost := t.onLost
	t.mu.Unlock()
	if onLost != nil {
		onLost(err)
	}
}

// LostHandler 返回最近一次 Connect 注册的断线回调
func (t *Transport) LostHandler() func(error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onLost
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) ConnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

func (t *Transport) DisconnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnectCalls
}

func (t *Transport) SubscribeCalls(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeCalls[topic]
}

func (t *Transport) Subscribed(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[topic]
	return ok
}

func (t *Transport) Unsubscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.unsubscribed...)
}

func (t *Transport) Published() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.published...)
}

func (t *Transport) Credentials() (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.username, t.password
}
