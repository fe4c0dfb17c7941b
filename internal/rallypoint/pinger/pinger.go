// Package pinger is the client side of the rally-point: it follows the relay
// server list, measures the latency to each server and reports it.
package pinger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/model"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/pings"
	"github.com/shieldbattery/shieldbattery/internal/wire"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// ConsoleURL is the base address of the console API, for example
	// http://localhost:5555.
	ConsoleURL string
	UserID     int64
	ClientID   string
	Token      string

	Interval     time.Duration
	ProbeTimeout time.Duration
}

type Option func(*Config)

func WithInterval(interval time.Duration) Option {
	return func(c *Config) { c.Interval = interval }
}

func WithProbeTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.ProbeTimeout = timeout }
}

type Pinger struct {
	config   Config
	registry *pings.Registry
	client   *http.Client
	logger   *slog.Logger

	// servers maps registry indices to servers. A deleted server leaves a
	// nil slot, so indices never shift, and the next new server reuses it.
	mu      sync.Mutex
	servers []*model.ResolvedRelayServer

	probeNow chan struct{}
}

func New(consoleURL string, userID int64, clientID, token string, opts ...Option) *Pinger {
	config := Config{
		ConsoleURL:   consoleURL,
		UserID:       userID,
		ClientID:     clientID,
		Token:        token,
		Interval:     10 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
	for _, fn := range opts {
		fn(&config)
	}

	return &Pinger{
		config:   config,
		registry: pings.NewRegistry(),
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   slog.With(slog.String("component", "pinger"), logging.ClientID(clientID)),
		probeNow: make(chan struct{}, 1),
	}
}

// WaitForPingResult returns once any server has been measured.
func (p *Pinger) WaitForPingResult(ctx context.Context) error {
	return p.registry.WaitForPingResult(ctx, p.config.ClientID)
}

// Pings returns the latest sample per live server id.
func (p *Pinger) Pings() map[int64]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make(map[int64]float64)
	for i, ping := range p.registry.GetPings(p.config.ClientID) {
		if ping != nil && p.servers[i] != nil {
			result[p.servers[i].ID] = *ping
		}
	}
	return result
}

// Run keeps the subscription open, reconnecting with backoff, and probes
// the servers every interval until ctx is done.
func (p *Pinger) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.subscribeLoop(ctx) })
	g.Go(func() error { return p.probeLoop(ctx) })

	err := g.Wait()
	p.registry.ClearPings(p.config.ClientID)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pinger) subscribeLoop(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0
	policy.Reset()

	return backoff.RetryNotify(func() error {
		err := p.subscribe(ctx, policy.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		p.logger.Warn("Server list subscription lost, reconnecting", "in", wait, logging.Error(err))
	})
}

func (p *Pinger) subscribe(ctx context.Context, connected func()) error {
	conn, err := wire.Dial(ctx, p.subscribeURL(), p.config.Token)
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	connected()
	p.logger.Info("Subscribed to the relay server list")

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("server closed the subscription")
			}
			return err
		}

		var envelope wire.Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			p.logger.Warn("Dropping malformed message", logging.Error(err))
			continue
		}
		if envelope.Topic != rallypoint.ServerListTopic {
			continue
		}

		var msg rallypoint.ServerListMessage
		if err := json.Unmarshal(envelope.Data, &msg); err != nil {
			p.logger.Warn("Dropping malformed server list update", logging.Error(err))
			continue
		}
		if p.apply(msg) {
			// Measure a new server right away instead of on the next tick.
			select {
			case p.probeNow <- struct{}{}:
			default:
			}
		}
	}
}

func (p *Pinger) subscribeURL() string {
	u, err := url.Parse(p.config.ConsoleURL)
	if err != nil {
		return p.config.ConsoleURL
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/subscribe"
	u.RawQuery = url.Values{"clientId": {p.config.ClientID}}.Encode()
	return u.String()
}

// apply updates the server slots and reports whether a server was added or
// changed.
func (p *Pinger) apply(msg rallypoint.ServerListMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	switch msg.Type {
	case rallypoint.MessageFullUpdate:
		present := make(map[int64]bool, len(msg.Servers))
		for _, server := range msg.Servers {
			present[server.ID] = true
		}
		// Freed first, so the new servers can take the slots over.
		for i, slot := range p.servers {
			if slot != nil && !present[slot.ID] {
				p.freeLocked(i)
			}
		}
		for _, server := range msg.Servers {
			changed = p.upsertLocked(server) || changed
		}
	case rallypoint.MessageUpsert:
		if msg.Server != nil {
			changed = p.upsertLocked(*msg.Server)
		}
	case rallypoint.MessageDelete:
		for i, slot := range p.servers {
			if slot != nil && slot.ID == msg.ID {
				p.freeLocked(i)
			}
		}
	default:
		p.logger.Warn("Unknown server list update", "type", msg.Type)
	}

	p.registry.SetServers(len(p.servers))
	return changed
}

// upsertLocked puts the server in its slot, or in the first free one. A
// sample measured against other addresses is dropped.
func (p *Pinger) upsertLocked(server model.ResolvedRelayServer) bool {
	free := -1
	for i, slot := range p.servers {
		if slot == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if slot.ID != server.ID {
			continue
		}
		if *slot == server {
			return false
		}
		if slot.Address4 != server.Address4 || slot.Address6 != server.Address6 || slot.Port != server.Port {
			p.registry.ClearPing(p.config.ClientID, i)
		}
		p.servers[i] = &server
		return true
	}

	if free >= 0 {
		p.registry.ClearPing(p.config.ClientID, free)
		p.servers[free] = &server
		return true
	}
	p.servers = append(p.servers, &server)
	return true
}

func (p *Pinger) freeLocked(i int) {
	p.servers[i] = nil
	p.registry.ClearPing(p.config.ClientID, i)
}

func (p *Pinger) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.probeAndReport(ctx)
		case <-p.probeNow:
			p.probeAndReport(ctx)
		}
	}
}

func (p *Pinger) probeAndReport(ctx context.Context) {
	p.ProbeAll(ctx)
	if err := p.Report(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("Could not report pings", logging.Error(err))
	}
}

type target struct {
	index  int
	server model.ResolvedRelayServer
}

// ProbeAll measures every live server concurrently and records the samples.
// Servers that do not answer keep their previous sample.
func (p *Pinger) ProbeAll(ctx context.Context) {
	p.mu.Lock()
	targets := make([]target, 0, len(p.servers))
	for i, slot := range p.servers {
		if slot != nil {
			targets = append(targets, target{index: i, server: *slot})
		}
	}
	p.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, t := range targets {
		g.Go(func() error {
			addr := net.JoinHostPort(t.server.Address(), strconv.Itoa(t.server.Port))
			rtt, err := Probe(ctx, addr, p.config.ProbeTimeout)
			if err != nil {
				p.logger.Debug("Probe failed", logging.ServerID(t.server.ID), logging.Error(err))
				return nil
			}
			p.record(t, rtt)
			return nil
		})
	}
	_ = g.Wait()
}

// record stores the sample unless the slot was given to another
// server while the probe was in flight.
func (p *Pinger) record(t target, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot := p.servers[t.index]; slot == nil || *slot != t.server {
		return
	}
	p.registry.AddPing(p.config.ClientID, t.index, float64(rtt.Microseconds())/1000)
}

// Report sends the known samples to the console. Nothing is sent before the
// first sample.
func (p *Pinger) Report(ctx context.Context) error {
	samples := p.Pings()
	if len(samples) == 0 {
		return nil
	}

	batch := model.PingBatch{Pings: make([]model.PingEntry, 0, len(samples))}
	for id, ping := range samples {
		batch.Pings = append(batch.Pings, model.PingEntry{ServerID: id, PingMs: ping})
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(p.config.ConsoleURL, "rally-point", "pings",
		strconv.FormatInt(p.config.UserID, 10), p.config.ClientID, "batch")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.Token)

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
	return nil
}
