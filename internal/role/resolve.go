package role

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ResolveRole maps a request/navigation path to an execution role.
func ResolveRole(path string) ExecutionRole {
	if strings.HasPrefix(path, ClientPathPrefix) {
		return RoleClient
	}
	return RoleServer
}

// ParseClientTransport reads id/host/port from a request URI. Missing or
// malformed parameters fall back to the URI's own host and port, and to an
// empty session id. It never fails.
func ParseClientTransport(requestURI string) ClientTransport {
	u, err := url.Parse(strings.TrimSpace(requestURI))
	if err != nil || u == nil {
		return ClientTransport{}
	}
	// ParseQuery keeps the well-formed pairs when it reports an error.
	q, _ := url.ParseQuery(u.RawQuery)

	ct := ClientTransport{
		SessionID: q.Get("id"),
		Host:      u.Hostname(),
		Port:      u.Port(),
	}
	if h := strings.TrimSpace(q.Get("host")); h != "" && !strings.ContainsAny(h, " /?#") {
		ct.Host = h
	}
	if p := strings.TrimSpace(q.Get("port")); validPort(p) {
		ct.Port = p
	}
	return ct
}

func validPort(p string) bool {
	n, err := strconv.Atoi(p)
	return err == nil && n > 0 && n <= 65535
}

// requestPath extracts the path of a request URI; relative paths are accepted.
func requestPath(requestURI string) string {
	u, err := url.Parse(strings.TrimSpace(requestURI))
	if err != nil || u == nil {
		return ""
	}
	return u.Path
}

// Addr joins host and port for dialing.
func (c ClientTransport) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

// Addr joins host and port for the server's own use.
func (s ServerTransport) Addr() string { return net.JoinHostPort(s.Host, s.Port) }
