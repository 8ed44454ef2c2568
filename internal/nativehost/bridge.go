// Package nativehost answers the capability and server transport queries a
// native host instance makes during role negotiation.
package nativehost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"curses/internal/role"
)

var ErrNoLocalAddress = errors.New("no non-loopback ipv4 address")

type Config struct {
	// AdvertiseIP overrides interface discovery when set.
	AdvertiseIP string
	Port        int
}

// Bridge implements role.Bridge for a process running as the native host.
type Bridge struct {
	cfg Config

	// addrs lists interface addresses; replaced in tests.
	addrs func() ([]net.Addr, error)
}

func New(cfg Config) *Bridge {
	return &Bridge{cfg: cfg, addrs: net.InterfaceAddrs}
}

var _ role.Bridge = (*Bridge)(nil)

func (b *Bridge) QueryCapabilities(ctx context.Context) (role.NativeFeatures, error) {
	if err := ctx.Err(); err != nil {
		return role.NativeFeatures{}, err
	}
	return role.NativeFeatures{BackgroundInput: backgroundInput}, nil
}

func (b *Bridge) QueryServerTransport(ctx context.Context) (role.ServerInfo, error) {
	if err := ctx.Err(); err != nil {
		return role.ServerInfo{}, err
	}
	if b.cfg.Port <= 0 || b.cfg.Port > 65535 {
		return role.ServerInfo{}, fmt.Errorf("network.port: invalid port %d", b.cfg.Port)
	}
	ip, err := b.localIP()
	if err != nil {
		return role.ServerInfo{}, err
	}
	return role.ServerInfo{LocalIP: ip, Port: strconv.Itoa(b.cfg.Port)}, nil
}

func (b *Bridge) localIP() (string, error) {
	if ip := strings.TrimSpace(b.cfg.AdvertiseIP); ip != "" {
		if net.ParseIP(ip) == nil {
			return "", fmt.Errorf("network.advertise_ip: invalid address %q", ip)
		}
		return ip, nil
	}
	addrs, err := b.addrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() || ipn.IP.IsLinkLocalUnicast() {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", ErrNoLocalAddress
}
