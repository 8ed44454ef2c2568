package role

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrConfigUnavailable means role/transport negotiation could not complete.
// It is fatal to startup: the process must not serve traffic on partial config.
var ErrConfigUnavailable = errors.New("config unavailable")

// ClientPathPrefix marks request paths served to client (viewer) instances.
const ClientPathPrefix = "/client"

// LoopbackHost is the host a server instance advertises to itself.
const LoopbackHost = "localhost"

type ExecutionRole int

const (
	RoleServer ExecutionRole = iota
	RoleClient
)

func (r ExecutionRole) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

type HostPlatform int

const (
	PlatformNativeHost HostPlatform = iota
	PlatformBrowserHosted
)

func (p HostPlatform) String() string {
	if p == PlatformBrowserHosted {
		return "browser"
	}
	return "native"
}

// ParsePlatform accepts "native"/"app" and "browser"/"web". Empty means native.
func ParsePlatform(s string) (HostPlatform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native", "app":
		return PlatformNativeHost, nil
	case "browser", "web":
		return PlatformBrowserHosted, nil
	default:
		return PlatformNativeHost, fmt.Errorf("unknown platform %q (supported: native, browser)", s)
	}
}

// NativeFeatures is the capability set reported by the native host.
type NativeFeatures struct {
	BackgroundInput bool `json:"background_input"`
}

// ServerInfo is the native host's answer to a server transport query.
type ServerInfo struct {
	LocalIP string `json:"local_ip"`
	Port    string `json:"port"`
}

// Bridge is the native host boundary. Both calls are single request/response.
type Bridge interface {
	QueryCapabilities(ctx context.Context) (NativeFeatures, error)
	QueryServerTransport(ctx context.Context) (ServerInfo, error)
}

type ServerTransport struct {
	ListenAddress string `json:"listen_address"`
	Host          string `json:"host"`
	Port          string `json:"port"`
}

type ClientTransport struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
	Port      string `json:"port"`
}

// TransportConfig holds exactly one populated variant, selected by Role.
type TransportConfig struct {
	Role   ExecutionRole    `json:"-"`
	Server *ServerTransport `json:"server,omitempty"`
	Client *ClientTransport `json:"client,omitempty"`
}

// Result is the immutable outcome of a negotiation.
type Result struct {
	Role      ExecutionRole   `json:"-"`
	Platform  HostPlatform    `json:"-"`
	Transport TransportConfig `json:"transport"`
	Features  NativeFeatures  `json:"features"`
}

func (r Result) IsServer() bool { return r.Role == RoleServer }
func (r Result) IsClient() bool { return r.Role == RoleClient }
