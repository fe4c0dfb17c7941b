package pinger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v2"
)

var errUnexpectedResponse = errors.New("unexpected STUN response")

// Probe measures the round trip of a STUN binding request to addr. Relay
// servers answer them on their route socket.
func Probe(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.Write(req.Raw); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return 0, fmt.Errorf("no STUN response from %s: %w", addr, err)
		}
		rtt := time.Since(start)

		resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := resp.Decode(); err != nil {
			continue
		}
		if resp.TransactionID != req.TransactionID {
			// Late answer to an earlier probe.
			continue
		}
		if resp.Type != stun.BindingSuccess {
			return 0, fmt.Errorf("%w: %s", errUnexpectedResponse, resp.Type)
		}
		return rtt, nil
	}
}
