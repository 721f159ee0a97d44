package health

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// HostChecker verifies configured cluster hosts accept TCP connections on
// their SSH port. It does not authenticate.
type HostChecker struct {
	hosts []string
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewHostChecker checks each host[:port]; port 22 is assumed when omitted.
func NewHostChecker(hosts []string) *HostChecker {
	var d net.Dialer
	return &HostChecker{hosts: hosts, dial: d.DialContext}
}

func (c *HostChecker) Name() string {
	return "cluster-hosts"
}

// Check is degraded when any host is unreachable since the local runner
// keeps working.
func (c *HostChecker) Check(ctx context.Context) *Result {
	if len(c.hosts) == 0 {
		return Healthy("no cluster hosts configured")
	}

	var unreachable []string
	reachable := 0
	for _, host := range c.hosts {
		addr := hostAddr(host)
		conn, err := c.dial(ctx, "tcp", addr)
		if err != nil {
			unreachable = append(unreachable, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		conn.Close()
		reachable++
	}

	if len(unreachable) > 0 {
		return Degraded(fmt.Sprintf("%d of %d cluster hosts unreachable", len(unreachable), len(c.hosts))).
			WithDetail("unreachable", unreachable).
			WithDetail("reachable", reachable)
	}
	return Healthy("all cluster hosts reachable").WithDetail("reachable", reachable)
}

func hostAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), "22")
}
