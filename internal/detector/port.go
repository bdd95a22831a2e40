package detector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
)

// DefaultPorts are the node's HTTP RPC, WebSocket and engine API ports.
var DefaultPorts = []int{8545, 8546, 8551}

// ErrNoListener is returned by Locate when no listening socket owner is visible.
var ErrNoListener = errors.New("no listener found")

// PortDetector reports a node when any of its well-known ports accepts a
// TCP connection.
type PortDetector struct {
	Host    string
	Ports   []int
	Timeout time.Duration
}

func (d PortDetector) host() string {
	if d.Host == "" {
		return "127.0.0.1"
	}
	return d.Host
}

func (d PortDetector) ports() []int {
	if len(d.Ports) == 0 {
		return DefaultPorts
	}
	return d.Ports
}

func (d PortDetector) Alive(ctx context.Context) (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	dialer := net.Dialer{Timeout: timeout}
	for _, p := range d.ports() {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(d.host(), strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = conn.Close()
		return true, nil
	}
	return false, ctx.Err()
}

// Locate finds the PID owning a listening socket on one of the ports.
// Other users' sockets may report PID 0 without elevated privileges.
func (d PortDetector) Locate(ctx context.Context) (int, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, err
	}
	ports := d.ports()
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Pid <= 0 {
			continue
		}
		if slices.Contains(ports, int(c.Laddr.Port)) {
			return int(c.Pid), nil
		}
	}
	return 0, ErrNoListener
}

func (d PortDetector) Describe() string {
	return fmt.Sprintf("ports:%s%v", d.host(), d.ports())
}
