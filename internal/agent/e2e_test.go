package agent_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/protocol"
)

type webClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (w *webClient) send(msgType string, payload any) {
	w.t.Helper()
	data, err := protocol.CreateMessage(msgType, payload)
	require.NoError(w.t, err)
	require.NoError(w.t, w.ws.WriteMessage(websocket.TextMessage, data))
}

// await skips frames until one of msgType arrives.
func (w *webClient) await(msgType string, v any) {
	w.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = w.ws.SetReadDeadline(deadline)
		_, data, err := w.ws.ReadMessage()
		require.NoError(w.t, err, "waiting for %s", msgType)
		env, err := protocol.Decode(data)
		require.NoError(w.t, err)
		if env.Type != msgType {
			continue
		}
		if v != nil {
			require.NoError(w.t, env.Into(v))
		}
		return
	}
}

func TestAgentAgainstRelay(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Database.Path = ""

	gw, err := gateway.New(cfg, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	web := &webClient{t: t, ws: ws}
	web.send(protocol.TypeAuth, &protocol.Auth{ClientType: protocol.ClientWeb, ClientID: "browser"})
	web.await(protocol.TypeAuthResult, nil)

	client := agent.NewClient(agent.ClientConfig{URL: wsURL, ClientID: "laptop"}, logger)
	runner := agent.NewRunner(agent.RunnerConfig{}, &agent.EchoExecutor{ChunkSize: 5}, client, logger)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, runner) }()
	t.Cleanup(func() {
		cancel()
		<-done
		runner.Close()
	})

	for {
		var st protocol.ConnectionStatus
		web.await(protocol.TypeConnectionStatus, &st)
		if st.AgentConnected {
			break
		}
	}

	web.send(protocol.TypeExecuteCommand, &protocol.ExecuteCommand{
		ProjectID: "p1",
		SessionID: "s1",
		Command:   "hello relay",
	})

	var text strings.Builder
	var res protocol.CommandResult
	for {
		web.await(protocol.TypeCommandResult, &res)
		require.Equal(t, "s1", res.SessionID)
		if res.Status != protocol.ResultStreaming {
			break
		}
		text.WriteString(res.Response)
	}
	assert.Equal(t, protocol.ResultComplete, res.Status)
	assert.Equal(t, "Echo: hello relay", text.String())
	assert.Equal(t, "echo-s1", res.ClaudeSessionID)
}
