package engine

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// SocketDomain is the address family of a listening socket.
type SocketDomain int

const (
	SocketDomainIPv4 SocketDomain = iota
	SocketDomainIPv6
	SocketDomainLocal
)

// SocketType is the socket kind. Servers require SocketTypeStream.
type SocketType int

const (
	SocketTypeStream SocketType = iota
	SocketTypeDGram
)

// ParseSocketDomain maps "ipv4", "ipv6" and "local" to a domain.
func ParseSocketDomain(s string) (SocketDomain, error) {
	switch s {
	case "ipv4":
		return SocketDomainIPv4, nil
	case "ipv6":
		return SocketDomainIPv6, nil
	case "local":
		return SocketDomainLocal, nil
	}
	return 0, fmt.Errorf("%w: unknown socket domain %q", ErrUnsupportedSocket, s)
}

// ParseSocketType maps "stream" and "dgram" to a type.
func ParseSocketType(s string) (SocketType, error) {
	switch s {
	case "stream":
		return SocketTypeStream, nil
	case "dgram":
		return SocketTypeDGram, nil
	}
	return 0, fmt.Errorf("%w: unknown socket type %q", ErrUnsupportedSocket, s)
}

// SocketOptions configures the listening socket.
type SocketOptions struct {
	Domain             SocketDomain
	Type               SocketType
	ConnectTimeout     time.Duration
	KeepAlive          bool
	KeepAliveInterval  time.Duration
	KeepAliveTimeout   time.Duration
	KeepAliveMaxProbes int
}

// DefaultSocketOptions returns IPv4 stream options without keep-alive.
func DefaultSocketOptions() *SocketOptions {
	return &SocketOptions{
		Domain:         SocketDomainIPv4,
		Type:           SocketTypeStream,
		ConnectTimeout: 3 * time.Second,
	}
}

func (o *SocketOptions) network() (string, error) {
	if o.Type != SocketTypeStream {
		return "", fmt.Errorf("%w: servers need stream sockets", ErrUnsupportedSocket)
	}
	switch o.Domain {
	case SocketDomainIPv4:
		return "tcp4", nil
	case SocketDomainIPv6:
		return "tcp6", nil
	case SocketDomainLocal:
		return "unix", nil
	}
	return "", fmt.Errorf("%w: domain %d", ErrUnsupportedSocket, o.Domain)
}

func (o *SocketOptions) listenConfig() *net.ListenConfig {
	lc := &net.ListenConfig{}
	if !o.KeepAlive {
		lc.KeepAlive = -1
		lc.KeepAliveConfig = net.KeepAliveConfig{Enable: false}
		return lc
	}
	lc.KeepAliveConfig = net.KeepAliveConfig{
		Enable:   true,
		Idle:     o.KeepAliveTimeout,
		Interval: o.KeepAliveInterval,
		Count:    o.KeepAliveMaxProbes,
	}
	return lc
}

// listenAddress renders the endpoint for the socket's network.
func listenAddress(o *SocketOptions, ep Endpoint) string {
	if o.Domain == SocketDomainLocal {
		return ep.Address
	}
	return net.JoinHostPort(ep.Address, strconv.Itoa(int(ep.Port)))
}
