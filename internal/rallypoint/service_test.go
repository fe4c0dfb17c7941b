package rallypoint

import (
	"context"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shieldbattery/shieldbattery/internal/app/logger"
	"github.com/shieldbattery/shieldbattery/internal/console/database"
	"github.com/shieldbattery/shieldbattery/internal/model"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/pings"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/routecreator"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/servers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type staticLookup map[string]string

func (l staticLookup) LookupIP(_ context.Context, network, host string) ([]net.IP, error) {
	if network == "ip4" {
		if ip, ok := l[host]; ok {
			return []net.IP{net.ParseIP(ip)}, nil
		}
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

type mockPublisher struct {
	mu       sync.Mutex
	messages []ServerListMessage
}

func (p *mockPublisher) Publish(topic string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic == ServerListTopic {
		p.messages = append(p.messages, data.(ServerListMessage))
	}
}

func (p *mockPublisher) last() ServerListMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[len(p.messages)-1]
}

type mockCreator struct {
	host string
	port int
	err  error
}

func (c *mockCreator) CreateRoute(_ context.Context, host string, port int) (model.Route, error) {
	c.host, c.port = host, port
	if c.err != nil {
		return model.Route{}, c.err
	}
	return model.Route{RouteID: "0102030405060708", PlayerOneID: 1, PlayerTwoID: 2}, nil
}

type fixture struct {
	service   *Service
	publisher *mockPublisher
	creator   *mockCreator
	servers   map[string]model.RelayServer
}

func newFixture(t *testing.T, stored ...model.RelayServer) *fixture {
	t.Helper()
	logger.SetDiscardLogger()

	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	lookup := staticLookup{
		"a.example.com": "203.0.113.1",
		"b.example.com": "203.0.113.2",
		"c.example.com": "203.0.113.3",
	}
	dir := servers.NewDirectory(db.Store(), servers.NewResolver(lookup))

	f := &fixture{
		publisher: &mockPublisher{},
		creator:   &mockCreator{},
		servers:   make(map[string]model.RelayServer),
	}
	for _, srv := range stored {
		added, err := dir.Add(context.Background(), srv)
		require.NoError(t, err)
		f.servers[srv.Description] = added
	}

	f.service = NewService(dir, f.creator, f.publisher)
	require.NoError(t, f.service.Initialize(context.Background()))
	return f
}

func server(name, host string) model.RelayServer {
	return model.RelayServer{Enabled: true, Description: name, Hostname: host, Port: 14098}
}

var (
	alice = model.ClientKey{UserID: 1, ClientID: "alice-pc"}
	bob   = model.ClientKey{UserID: 2, ClientID: "bob-pc"}
)

func TestService_Initialize(t *testing.T) {
	f := newFixture(t,
		server("A", "a.example.com"),
		server("Unresolvable", "nowhere.example.com"),
		model.RelayServer{Enabled: false, Description: "Disabled", Hostname: "c.example.com", Port: 14098},
	)

	live := f.service.LiveServers()
	require.Len(t, live, 1)
	assert.Equal(t, "A", live[0].Description)
	assert.Equal(t, "203.0.113.1", live[0].Address4)

	msg := f.publisher.last()
	assert.Equal(t, MessageFullUpdate, msg.Type)
	assert.Equal(t, live, msg.Servers)

	all, err := f.service.RetrieveServers(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, srv := range all {
		if srv.Description == "Unresolvable" {
			assert.False(t, srv.Enabled, "unresolvable server is disabled")
		}
	}
}

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func TestService_SendFullUpdate_OrdersLaterUpdates(t *testing.T) {
	f := newFixture(t, server("A", "a.example.com"))
	before := f.publisher.count()

	added := make(chan model.RelayServer, 1)
	f.service.SendFullUpdate(func(msg ServerListMessage) {
		assert.Equal(t, MessageFullUpdate, msg.Type)
		require.Len(t, msg.Servers, 1)

		go func() {
			stored, err := f.service.AddServer(context.Background(), server("B", "b.example.com"))
			assert.NoError(t, err)
			added <- stored
		}()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, before, f.publisher.count(), "no update is published while the snapshot is sent")
	})

	stored := <-added
	msg := f.publisher.last()
	assert.Equal(t, MessageUpsert, msg.Type)
	require.NotNil(t, msg.Server)
	assert.Equal(t, stored.ID, msg.Server.ID)
}

func TestService_LiveServers_SortsExtremeIDs(t *testing.T) {
	s := NewService(nil, nil, &mockPublisher{})
	for _, id := range []int64{math.MaxInt64, -1, 0} {
		s.live[id] = model.ResolvedRelayServer{RelayServer: model.RelayServer{ID: id}}
	}

	var ids []int64
	for _, srv := range s.LiveServers() {
		ids = append(ids, srv.ID)
	}
	assert.Equal(t, []int64{-1, 0, math.MaxInt64}, ids)
}

func TestService_CreateBestRoute(t *testing.T) {
	f := newFixture(t, server("A", "a.example.com"), server("B", "b.example.com"))
	a, b := f.servers["A"].ID, f.servers["B"].ID

	f.service.UpdatePing(alice, a, 50)
	f.service.UpdatePing(bob, a, 60)
	f.service.UpdatePing(alice, b, 30)
	f.service.UpdatePing(bob, b, 30)

	info, err := f.service.CreateBestRoute(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, b, info.Server.ID)
	assert.Equal(t, "203.0.113.2", f.creator.host)
	assert.Equal(t, 14098, f.creator.port)
	assert.Equal(t, alice, info.PlayerOne)
	assert.Equal(t, bob, info.PlayerTwo)
	assert.Equal(t, "0102030405060708", info.Route.RouteID)
}

func TestService_CreateBestRoute_Unmeasured(t *testing.T) {
	f := newFixture(t, server("A", "a.example.com"), server("B", "b.example.com"))
	a, b := f.servers["A"].ID, f.servers["B"].ID

	t.Run("no samples falls back to the lowest id", func(t *testing.T) {
		info, err := f.service.CreateBestRoute(context.Background(), alice, bob)
		require.NoError(t, err)
		assert.Equal(t, a, info.Server.ID)
	})

	t.Run("a measured server beats an unmeasured one", func(t *testing.T) {
		f.service.UpdatePing(alice, b, 500)
		f.service.UpdatePing(bob, b, 500)
		f.service.UpdatePing(alice, a, 1)

		info, err := f.service.CreateBestRoute(context.Background(), alice, bob)
		require.NoError(t, err)
		assert.Equal(t, b, info.Server.ID)
	})

	t.Run("ties go to the lowest id", func(t *testing.T) {
		f.service.UpdatePing(alice, a, 250)
		f.service.UpdatePing(bob, a, 750)

		info, err := f.service.CreateBestRoute(context.Background(), alice, bob)
		require.NoError(t, err)
		assert.Equal(t, a, info.Server.ID)
	})
}

func TestService_CreateBestRoute_Errors(t *testing.T) {
	t.Run("no live servers", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.CreateBestRoute(context.Background(), alice, bob)
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("relay failure is passed through", func(t *testing.T) {
		f := newFixture(t, server("A", "a.example.com"))
		f.creator.err = routecreator.ErrTimeout
		_, err := f.service.CreateBestRoute(context.Background(), alice, bob)
		assert.ErrorIs(t, err, routecreator.ErrTimeout)
	})
}

func TestService_UpdatePing_IgnoresUnknownServer(t *testing.T) {
	f := newFixture(t, server("A", "a.example.com"))

	f.service.UpdatePing(alice, 9999, 10)
	assert.Empty(t, f.service.Pings(alice))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.service.WaitForPingResult(ctx, alice), context.DeadlineExceeded)
}

func TestService_UpdateServer(t *testing.T) {
	f := newFixture(t, server("A", "a.example.com"), server("B", "b.example.com"))
	a, b := f.servers["A"], f.servers["B"]
	ctx := context.Background()

	f.service.UpdatePing(alice, a.ID, 10)
	f.service.UpdatePing(alice, b.ID, 20)

	t.Run("renaming keeps the server live", func(t *testing.T) {
		renamed := a
		renamed.Description = "A (renamed)"
		stored, err := f.service.UpdateServer(ctx, renamed)
		require.NoError(t, err)
		assert.Equal(t, renamed, stored)

		msg := f.publisher.last()
		assert.Equal(t, MessageUpsert, msg.Type)
		require.NotNil(t, msg.Server)
		assert.Equal(t, "A (renamed)", msg.Server.Description)
		assert.Equal(t, "203.0.113.1", msg.Server.Address4)
		assert.Equal(t, map[int64]float64{a.ID: 10, b.ID: 20}, f.service.Pings(alice))
	})

	t.Run("disabling removes the server and its samples", func(t *testing.T) {
		disabled := b
		disabled.Enabled = false
		_, err := f.service.UpdateServer(ctx, disabled)
		require.NoError(t, err)

		assert.Equal(t, ServerListMessage{Type: MessageDelete, ID: b.ID}, f.publisher.last())
		assert.Equal(t, map[int64]float64{a.ID: 10}, f.service.Pings(alice))

		f.service.UpdatePing(bob, a.ID, 1000)
		f.service.UpdatePing(bob, b.ID, 1)
		info, err := f.service.CreateBestRoute(ctx, alice, bob)
		require.NoError(t, err)
		assert.Equal(t, a.ID, info.Server.ID, "disabled server is never chosen")
	})

	t.Run("moving to an unresolvable host disables the server", func(t *testing.T) {
		moved := f.service.LiveServers()[0].RelayServer
		moved.Hostname = "nowhere.example.com"
		stored, err := f.service.UpdateServer(ctx, moved)
		require.NoError(t, err)
		assert.False(t, stored.Enabled)
		assert.Empty(t, f.service.LiveServers())
	})

	t.Run("missing server", func(t *testing.T) {
		_, err := f.service.UpdateServer(ctx, model.RelayServer{ID: 9999, Description: "x", Hostname: "x", Port: 1})
		assert.ErrorIs(t, err, servers.ErrNotFound)
	})
}

func TestService_AddAndDeleteServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	added, err := f.service.AddServer(ctx, server("C", "c.example.com"))
	require.NoError(t, err)
	assert.True(t, added.Enabled)
	require.Len(t, f.service.LiveServers(), 1)
	assert.Equal(t, MessageUpsert, f.publisher.last().Type)

	require.NoError(t, f.service.DeleteServer(ctx, added.ID))
	assert.Empty(t, f.service.LiveServers())
	assert.Equal(t, ServerListMessage{Type: MessageDelete, ID: added.ID}, f.publisher.last())

	assert.ErrorIs(t, f.service.DeleteServer(ctx, added.ID), servers.ErrNotFound)
}

func TestService_WaitForPingResult(t *testing.T) {
	f := newFixture(t, server("A", "a.example.com"))
	a := f.servers["A"].ID
	ctx := context.Background()

	t.Run("released by the first sample", func(t *testing.T) {
		done := make(chan error, 1)
		go func() { done <- f.service.WaitForPingResult(ctx, alice) }()

		f.service.UpdatePing(alice, a, 42)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter was not released")
		}

		assert.NoError(t, f.service.WaitForPingResult(ctx, alice), "already measured")
	})

	t.Run("rejected when the client goes away", func(t *testing.T) {
		done := make(chan error, 1)
		go func() { done <- f.service.WaitForPingResult(ctx, bob) }()

		require.Eventually(t, func() bool {
			f.service.mu.Lock()
			defer f.service.mu.Unlock()
			_, ok := f.service.ready[bob]
			return ok
		}, time.Second, time.Millisecond)
		f.service.ClearPings(bob)

		select {
		case err := <-done:
			assert.ErrorIs(t, err, pings.ErrClientRemoved)
		case <-time.After(time.Second):
			t.Fatal("waiter was not released")
		}
		assert.Empty(t, f.service.Pings(bob))
	})
}

func TestService_DevRelay(t *testing.T) {
	defer goleak.VerifyNone(t)
	logger.SetDiscardLogger()

	db, err := database.NewMemory()
	require.NoError(t, err)
	defer db.Close()

	secret := []byte("dev-secret")
	creator, err := routecreator.Listen("127.0.0.1:0", secret, routecreator.WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer creator.Close()

	service := NewService(servers.NewDirectory(db.Store(), nil), creator, &mockPublisher{},
		WithDevRelay("127.0.0.1:0", secret))
	require.NoError(t, service.Initialize(context.Background()))
	defer service.Close()

	live := service.LiveServers()
	require.Len(t, live, 1)
	assert.Equal(t, int64(0), live[0].ID)
	assert.Equal(t, "127.0.0.1", live[0].Address4)
	assert.NotZero(t, live[0].Port)

	info, err := service.CreateBestRoute(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Len(t, info.Route.RouteID, 16)
	assert.NotEqual(t, info.Route.PlayerOneID, info.Route.PlayerTwoID)
}

func TestService_PingMath(t *testing.T) {
	s := NewService(nil, nil, &mockPublisher{})
	s.pings[alice] = map[int64]float64{1: 10}
	assert.Equal(t, math.Inf(1), s.totalPingLocked(alice, bob, 1))
	assert.True(t, math.IsInf(s.pingLocked(bob, 1), 1))
	assert.Equal(t, 10.0, s.pingLocked(alice, 1))
}
