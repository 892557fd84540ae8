package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/poller"
	"github.com/remit-analytics/internal/types"
)

type liveSource struct{}

func (liveSource) FetchTransactions(ctx context.Context, address string, filters types.Filters) ([]types.Transaction, error) {
	return []types.Transaction{{
		ID:        "tx-1",
		Type:      types.TxTypePayment,
		Sender:    walletB,
		Receiver:  address,
		Amount:    decimal.NewFromInt(5),
		Currency:  "ALGO",
		Timestamp: time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC),
	}}, nil
}

func (liveSource) FetchBalance(ctx context.Context, address string) (types.BalanceSnapshot, error) {
	return types.BalanceSnapshot{NativeSymbol: "ALGO", NativeAmount: decimal.NewFromInt(100)}, nil
}

func startLiveServer(t *testing.T) (*httptest.Server, *poller.Poller) {
	t.Helper()

	p := poller.New(poller.Config{
		Source: liveSource{},
		Logger: logging.NewNop(),
		// Long periods so only the commands below trigger cycles
		TransactionInterval: time.Hour,
		BalanceInterval:     time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})

	s := newTestServer(t, Dependencies{Poller: p})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, p
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// readUntil reads frames until match accepts one
func readUntil(t *testing.T, conn *websocket.Conn, match func(LiveMessage) bool) LiveMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg LiveMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func TestLive_StreamsUpdatesAndCommands(t *testing.T) {
	ts, p := startLiveServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/wallets/"+walletA+"/live"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	seen := map[string]bool{}
	for len(seen) < 2 {
		msg := readUntil(t, conn, func(m LiveMessage) bool { return m.Type == MessageUpdate })
		require.NotNil(t, msg.Update)
		assert.Equal(t, poller.TriggerInitial, msg.Update.Trigger)
		seen[msg.Update.Kind] = true
	}
	assert.True(t, seen[poller.KindTransactions])
	assert.True(t, seen[poller.KindBalance])

	require.Len(t, p.Subscriptions(), 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("pause")))
	msg := readUntil(t, conn, func(m LiveMessage) bool { return m.Command == CommandPause })
	require.Equal(t, MessageStatus, msg.Type)
	require.NotNil(t, msg.Status)
	assert.Equal(t, poller.StatePaused, msg.Status.State)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(" Refresh ")))
	msg = readUntil(t, conn, func(m LiveMessage) bool { return m.Command == CommandRefresh })
	require.Equal(t, MessageStatus, msg.Type)
	require.NotNil(t, msg.Stats)
	assert.Equal(t, 1, msg.Stats.TotalTransactions)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("resume")))
	msg = readUntil(t, conn, func(m LiveMessage) bool { return m.Command == CommandResume })
	assert.Equal(t, poller.StatePolling, msg.Status.State)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("dance")))
	msg = readUntil(t, conn, func(m LiveMessage) bool { return m.Command == "dance" })
	assert.Equal(t, MessageError, msg.Type)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	assert.Eventually(t, func() bool { return len(p.Subscriptions()) == 0 },
		5*time.Second, 20*time.Millisecond, "closing the socket ends the subscription")
}

func TestLive_RejectsBadInputBeforeUpgrade(t *testing.T) {
	ts, p := startLiveServer(t)

	tests := []struct {
		name string
		path string
	}{
		{"invalid address", "/api/wallets/W1/live"},
		{"bad interval", "/api/wallets/" + walletA + "/live?interval=often"},
		{"interval too short", "/api/wallets/" + walletA + "/live?interval=1ms"},
		{"bad range", "/api/wallets/" + walletA + "/live?range=2w"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, tt.path), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, p.Subscriptions())
}

func TestLive_DisabledWithoutPoller(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	rec := do(t, s, http.MethodGet, "/api/wallets/"+walletA+"/live", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListSubscriptions(t *testing.T) {
	ts, _ := startLiveServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/wallets/"+walletA+"/live"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, func(m LiveMessage) bool { return m.Type == MessageUpdate })

	resp, err := http.Get(ts.URL + "/api/live/subscriptions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
