package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/shieldbattery/shieldbattery/internal/app/logger"
	"github.com/shieldbattery/shieldbattery/internal/console/database"
	"github.com/shieldbattery/shieldbattery/internal/model"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/servers"
	"github.com/shieldbattery/shieldbattery/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLookup map[string]string

func (l staticLookup) LookupIP(_ context.Context, network, host string) ([]net.IP, error) {
	if ip, ok := l[host]; ok && network == "ip4" {
		return []net.IP{net.ParseIP(ip)}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

type noopCreator struct{}

func (noopCreator) CreateRoute(context.Context, string, int) (model.Route, error) {
	return model.Route{}, nil
}

type testConsole struct {
	*Console
	service *rallypoint.Service
	server  *httptest.Server
}

func newTestConsole(t *testing.T) *testConsole {
	t.Helper()
	logger.SetDiscardLogger()

	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	lookup := staticLookup{"a.example.com": "203.0.113.1", "b.example.com": "203.0.113.2"}
	hub := NewHub()
	service := rallypoint.NewService(servers.NewDirectory(db.Store(), servers.NewResolver(lookup)), noopCreator{}, hub)
	require.NoError(t, service.Initialize(context.Background()))

	c := NewConsole(db, hub, service, WithJWTSecret([]byte("test-secret")), WithVersion("1.2.3"))
	ts := httptest.NewServer(c.HttpRouter())
	t.Cleanup(ts.Close)

	return &testConsole{Console: c, service: service, server: ts}
}

func (tc *testConsole) token(t *testing.T, userID int64, admin bool) string {
	t.Helper()
	token, err := tc.Auth.NewToken(userID, admin)
	require.NoError(t, err)
	return token
}

func (tc *testConsole) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, tc.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (tc *testConsole) subscribe(t *testing.T, userID int64, clientID string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/subscribe?clientId=%s", strings.TrimPrefix(tc.server.URL, "http://"), clientID)
	conn, err := wire.Dial(context.Background(), url, tc.token(t, userID, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readServerList(t *testing.T, conn *websocket.Conn) rallypoint.ServerListMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, payload, err := conn.Read(ctx)
	require.NoError(t, err)

	var envelope wire.Envelope
	require.NoError(t, json.Unmarshal(payload, &envelope))
	require.Equal(t, rallypoint.ServerListTopic, envelope.Topic)

	var msg rallypoint.ServerListMessage
	require.NoError(t, json.Unmarshal(envelope.Data, &msg))
	return msg
}

func TestConsole_Health(t *testing.T) {
	tc := newTestConsole(t)

	res, body := tc.do(t, http.MethodGet, "/_health", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"OK","version":"1.2.3"}`, string(body))
}

func TestConsole_AdminRallyPoint(t *testing.T) {
	tc := newTestConsole(t)
	admin := tc.token(t, 1, true)
	user := tc.token(t, 2, false)

	t.Run("requires a session", func(t *testing.T) {
		res, _ := tc.do(t, http.MethodGet, "/admin/rally-point/", "", nil)
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	})

	t.Run("requires an admin", func(t *testing.T) {
		res, _ := tc.do(t, http.MethodGet, "/admin/rally-point/", user, nil)
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
	})

	var added model.RelayServer
	t.Run("add defaults to enabled", func(t *testing.T) {
		res, body := tc.do(t, http.MethodPost, "/admin/rally-point/", admin, map[string]any{
			"description": "Server A",
			"hostname":    "a.example.com",
			"port":        14098,
		})
		require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

		var resp serverResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		added = resp.Server
		assert.NotZero(t, added.ID)
		assert.True(t, added.Enabled)
		assert.Len(t, tc.service.LiveServers(), 1)
	})

	t.Run("add rejects bad input", func(t *testing.T) {
		res, _ := tc.do(t, http.MethodPost, "/admin/rally-point/", admin, map[string]any{
			"description": "No port",
			"hostname":    "a.example.com",
		})
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("list", func(t *testing.T) {
		res, body := tc.do(t, http.MethodGet, "/admin/rally-point/", admin, nil)
		require.Equal(t, http.StatusOK, res.StatusCode)

		var resp serversResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, []model.RelayServer{added}, resp.Servers)
	})

	t.Run("update with mismatched id", func(t *testing.T) {
		server := added
		server.ID++
		res, _ := tc.do(t, http.MethodPut, fmt.Sprintf("/admin/rally-point/%d", added.ID), admin, server)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("update missing server", func(t *testing.T) {
		server := added
		server.ID = 9999
		res, _ := tc.do(t, http.MethodPut, "/admin/rally-point/9999", admin, server)
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	})

	t.Run("update disables", func(t *testing.T) {
		server := added
		server.Enabled = false
		res, body := tc.do(t, http.MethodPut, fmt.Sprintf("/admin/rally-point/%d", added.ID), admin, server)
		require.Equal(t, http.StatusOK, res.StatusCode, string(body))

		var resp serverResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, server, resp.Server)
		assert.Empty(t, tc.service.LiveServers())
	})

	t.Run("delete", func(t *testing.T) {
		path := fmt.Sprintf("/admin/rally-point/%d", added.ID)
		res, _ := tc.do(t, http.MethodDelete, path, admin, nil)
		assert.Equal(t, http.StatusNoContent, res.StatusCode)

		res, _ = tc.do(t, http.MethodDelete, path, admin, nil)
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	})
}

func TestConsole_SubscribeAndPings(t *testing.T) {
	tc := newTestConsole(t)
	ctx := context.Background()

	server, err := tc.service.AddServer(ctx, model.RelayServer{Enabled: true, Description: "A", Hostname: "a.example.com", Port: 14098})
	require.NoError(t, err)

	conn := tc.subscribe(t, 7, "pc-1")
	key := model.ClientKey{UserID: 7, ClientID: "pc-1"}

	msg := readServerList(t, conn)
	assert.Equal(t, rallypoint.MessageFullUpdate, msg.Type)
	require.Len(t, msg.Servers, 1)
	assert.Equal(t, "203.0.113.1", msg.Servers[0].Address4)

	t.Run("server changes are pushed", func(t *testing.T) {
		added, err := tc.service.AddServer(ctx, model.RelayServer{Enabled: true, Description: "B", Hostname: "b.example.com", Port: 14098})
		require.NoError(t, err)

		msg := readServerList(t, conn)
		assert.Equal(t, rallypoint.MessageUpsert, msg.Type)
		require.NotNil(t, msg.Server)
		assert.Equal(t, added.ID, msg.Server.ID)
	})

	pingsPath := "/rally-point/pings/7/pc-1/batch"
	batch := model.PingBatch{Pings: []model.PingEntry{{ServerID: server.ID, PingMs: 42}, {ServerID: 9999, PingMs: 1}}}

	t.Run("ping batch for another user", func(t *testing.T) {
		res, _ := tc.do(t, http.MethodPut, pingsPath, tc.token(t, 8, false), batch)
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
	})

	t.Run("ping batch for an unknown client", func(t *testing.T) {
		res, _ := tc.do(t, http.MethodPut, "/rally-point/pings/7/pc-2/batch", tc.token(t, 7, false), batch)
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	})

	t.Run("malformed ping batch", func(t *testing.T) {
		res, _ := tc.do(t, http.MethodPut, pingsPath, tc.token(t, 7, false), map[string]any{"pings": [][]float64{{1}}})
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("ping batch", func(t *testing.T) {
		res, _ := tc.do(t, http.MethodPut, pingsPath, tc.token(t, 7, false), batch)
		assert.Equal(t, http.StatusNoContent, res.StatusCode)
		assert.Equal(t, map[int64]float64{server.ID: 42}, tc.service.Pings(key))
	})

	t.Run("disconnect clears the pings", func(t *testing.T) {
		require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
		require.Eventually(t, func() bool { return !tc.Hub.HasClient(key) }, time.Second, 5*time.Millisecond)
		assert.Empty(t, tc.service.Pings(key))
	})
}

func TestConsole_SubscribeReplacesPreviousSocket(t *testing.T) {
	tc := newTestConsole(t)
	key := model.ClientKey{UserID: 3, ClientID: "pc"}

	first := tc.subscribe(t, 3, "pc")
	readServerList(t, first)

	second := tc.subscribe(t, 3, "pc")
	readServerList(t, second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.True(t, tc.Hub.HasClient(key), "the newer socket stays registered")
}

func TestConsole_SubscribeRequiresClientID(t *testing.T) {
	tc := newTestConsole(t)
	res, _ := tc.do(t, http.MethodGet, "/subscribe", tc.token(t, 1, false), nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
