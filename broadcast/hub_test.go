package broadcast

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ data map[string]float64 }

func (f *fakeSource) GetData() map[string]float64 { return f.data }

func TestHubBroadcastsToSubscriber(t *testing.T) {
	src := &fakeSource{data: map[string]float64{"latitude_deg": 1.0}}
	hub := New(Config{Path: "/ws", TickInterval: 20 * time.Millisecond, CompatibilityMode: true}, src)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	require.Eventually(t, func() bool {
		return hub.Status().SubscriberCount == 1
	}, time.Second, 5*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "latitude")
}

func TestHubRejectsWrongPath(t *testing.T) {
	src := &fakeSource{data: map[string]float64{}}
	hub := New(Config{Path: "/ws", TickInterval: time.Second}, src)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/wrong"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestHubShutdownSendsGoingAway(t *testing.T) {
	src := &fakeSource{data: map[string]float64{}}
	hub := New(Config{Path: "/ws", TickInterval: 10 * time.Millisecond}, src)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return hub.Status().SubscriberCount == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
