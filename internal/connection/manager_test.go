package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqttcommon "wisefido-vitals/common/mqtt"
	"wisefido-vitals/internal/epoch"
	"wisefido-vitals/internal/transporttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type transitions struct {
	mu  sync.Mutex
	got []State
}

func (r *transitions) listen(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, to)
}

func (r *transitions) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.got...)
}

func setupManager(t *testing.T, opts Options) (*Manager, *transporttest.Transport, *epoch.Counter) {
	t.Helper()
	if opts.PatientID == "" {
		opts.PatientID = "p1"
	}
	tr := transporttest.New()
	ep := &epoch.Counter{}
	m := NewManager(tr, ep, opts, zap.NewNop())
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(m.Disconnect)
	return m, tr, ep
}

func TestManager_ConnectPublishesPresence(t *testing.T) {
	m, tr, _ := setupManager(t, Options{PresenceTopic: "telemetry/presence"})
	rec := &transitions{}
	m.OnStateChange(rec.listen)

	require.NoError(t, m.Connect(context.Background(), Credentials{Username: "nurse", Password: "secret"}))

	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []State{Connecting, Connected}, rec.states())

	user, pass := tr.Credentials()
	assert.Equal(t, "nurse", user)
	assert.Equal(t, "secret", pass)

	published := tr.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "telemetry/presence", published[0].Topic)
	assert.Equal(t, byte(1), published[0].QoS)
	assert.True(t, published[0].Retained)
	assert.Equal(t, "p1", string(published[0].Payload))
}

func TestManager_ConnectWhenConnectedIsNoop(t *testing.T) {
	m, tr, _ := setupManager(t, Options{})
	require.NoError(t, m.Connect(context.Background(), Credentials{}))
	require.NoError(t, m.Connect(context.Background(), Credentials{}))
	assert.Equal(t, 1, tr.ConnectCalls())
}

func TestManager_PresenceFailureDoesNotFailConnect(t *testing.T) {
	m, tr, _ := setupManager(t, Options{PresenceTopic: "telemetry/presence"})
	tr.FailPublish(transporttest.ErrInjected)

	require.NoError(t, m.Connect(context.Background(), Credentials{}))
	assert.Equal(t, Connected, m.State())
	assert.Empty(t, tr.Published())
}

func TestManager_ConnectTimeout(t *testing.T) {
	m, tr, _ := setupManager(t, Options{ConnectTimeout: 20 * time.Millisecond})
	release := tr.BlockConnect()
	defer release()

	err := m.Connect(context.Background(), Credentials{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, Disconnected, m.State())
}

func TestManager_AuthRejected(t *testing.T) {
	m, tr, _ := setupManager(t, Options{})
	tr.FailConnect(mqttcommon.ErrAuthRejected)

	err := m.Connect(context.Background(), Credentials{Username: "x", Password: "bad"})
	assert.True(t, errors.Is(err, ErrAuthRejected))
	assert.False(t, errors.Is(err, ErrConnectFailed))
	assert.Equal(t, Disconnected, m.State())

	// 失败后可以再次连接
	require.NoError(t, m.Connect(context.Background(), Credentials{Username: "x", Password: "good"}))
	assert.Equal(t, Connected, m.State())
}

func TestManager_OtherConnectErrorIsConnectFailed(t *testing.T) {
	m, tr, _ := setupManager(t, Options{})
	tr.FailConnect(errors.New("dial tcp: connection refused"))

	err := m.Connect(context.Background(), Credentials{})
	assert.True(t, errors.Is(err, ErrConnectFailed))
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	m, tr, _ := setupManager(t, Options{})
	require.NoError(t, m.Connect(context.Background(), Credentials{}))

	m.Disconnect()
	m.Disconnect()

	assert.Equal(t, Closed, m.State())
	assert.Equal(t, 1, tr.DisconnectCalls())
	assert.True(t, errors.Is(m.Connect(context.Background(), Credentials{}), ErrClosed))
}

func TestManager_DisconnectDuringConnect(t *testing.T) {
	m, tr, _ := setupManager(t, Options{})
	release := tr.BlockConnect()

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), Credentials{}) }()

	require.Eventually(t, func() bool { return tr.ConnectCalls() == 1 }, time.Second, time.Millisecond)
	m.Disconnect()
	release()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, Closed, m.State())
	assert.False(t, tr.Connected())
}

func TestManager_ReconnectsAfterLinkLoss(t *testing.T) {
	m, tr, _ := setupManager(t, Options{PresenceTopic: "telemetry/presence"})

	restored := make(chan struct{}, 1)
	m.SetRestoreHook(func(ctx context.Context) error {
		restored <- struct{}{}
		return nil
	})
	rec := &transitions{}
	m.OnStateChange(rec.listen)

	require.NoError(t, m.Connect(context.Background(), Credentials{}))
	tr.FailConnect(errors.New("broker unavailable"))
	tr.DropLink(errors.New("EOF"))

	select {
	case <-restored:
	case <-time.After(time.Second):
		t.Fatal("restore hook not called")
	}
	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, time.Millisecond)

	assert.Equal(t, 3, tr.ConnectCalls())
	assert.Equal(t, 1, m.Reconnects())
	assert.Len(t, tr.Published(), 2)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]State{Connecting, Connected, Reconnecting, Connected}, rec.states())
	}, time.Second, time.Millisecond)
}

func TestManager_StaleLinkLossIsIgnored(t *testing.T) {
	m, tr, ep := setupManager(t, Options{})
	require.NoError(t, m.Connect(context.Background(), Credentials{}))

	onLost := tr.LostHandler()
	ep.Advance()
	onLost(errors.New("late"))

	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, tr.ConnectCalls())
}

func TestManager_DisconnectStopsReconnectLoop(t *testing.T) {
	m, tr, _ := setupManager(t, Options{})
	require.NoError(t, m.Connect(context.Background(), Credentials{}))

	// 每次重连前阻塞，直到 ctx 被取消
	m.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	tr.DropLink(errors.New("EOF"))
	require.Equal(t, Reconnecting, m.State())

	m.Disconnect()
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, Closed, m.State())
	assert.Equal(t, 1, tr.ConnectCalls())
}

func TestManager_DisconnectCancelsRestore(t *testing.T) {
	m, tr, _ := setupManager(t, Options{})

	entered := make(chan struct{})
	finished := make(chan error, 1)
	m.SetRestoreHook(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		finished <- ctx.Err()
		return ctx.Err()
	})
	rec := &transitions{}
	m.OnStateChange(rec.listen)

	require.NoError(t, m.Connect(context.Background(), Credentials{}))
	tr.DropLink(errors.New("EOF"))

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("restore hook not called")
	}
	m.Disconnect()

	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("restore was not cancelled by Disconnect")
	}
	assert.Equal(t, Closed, m.State())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []State{Connecting, Connected, Reconnecting, Closed}, rec.states())
}

func TestManager_LinkLossDuringRestoreCancelsIt(t *testing.T) {
	m, tr, _ := setupManager(t, Options{})

	var calls int
	var mu sync.Mutex
	firstCancelled := make(chan struct{})
	m.SetRestoreHook(func(ctx context.Context) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			tr.DropLink(errors.New("EOF again"))
			<-ctx.Done()
			close(firstCancelled)
			return ctx.Err()
		}
		return nil
	})

	require.NoError(t, m.Connect(context.Background(), Credentials{}))
	tr.DropLink(errors.New("EOF"))

	select {
	case <-firstCancelled:
	case <-time.After(time.Second):
		t.Fatal("first restore was not cancelled")
	}
	require.Eventually(t, func() bool { return m.State() == Connected && m.Reconnects() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.reconnectCancel == nil
	}, time.Second, time.Millisecond)
}

func TestManager_ListenerPanicIsRecovered(t *testing.T) {
	m, _, _ := setupManager(t, Options{})
	m.OnStateChange(func(State, State) { panic("boom") })
	rec := &transitions{}
	m.OnStateChange(rec.listen)

	assert.NotPanics(t, func() { require.NoError(t, m.Connect(context.Background(), Credentials{})) })
	assert.Equal(t, []State{Connecting, Connected}, rec.states())
}

func TestManager_UnregisteredListenerNotCalled(t *testing.T) {
	m, _, _ := setupManager(t, Options{})
	rec := &transitions{}
	off := m.OnStateChange(rec.listen)
	off()

	require.NoError(t, m.Connect(context.Background(), Credentials{}))
	assert.Empty(t, rec.states())
}
