package remote

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Address schemes accepted by ParseAddr.
const (
	SchemeTCP         = "tcp"
	SchemeUnix        = "unix"
	SchemeVsock       = "vsock"
	SchemeFirecracker = "firecracker"
)

// Addr is a parsed volume server address.
//
//	tcp://host:port
//	unix:///path/to/socket
//	vsock://cid:port
//	firecracker:///path/to/v.sock?port=N  (host side of a Firecracker vsock bridge)
type Addr struct {
	Scheme string
	Host   string // host:port for tcp
	Path   string // socket path for unix and firecracker
	CID    uint32
	Port   uint32 // vsock port for vsock and firecracker
}

// ParseAddr parses a server address.
func ParseAddr(s string) (Addr, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	a := Addr{Scheme: u.Scheme}
	switch u.Scheme {
	case SchemeTCP:
		if u.Host == "" || u.Port() == "" {
			return Addr{}, fmt.Errorf("address %q: need tcp://host:port", s)
		}
		a.Host = u.Host
	case SchemeUnix:
		if u.Path == "" {
			return Addr{}, fmt.Errorf("address %q: need unix:///path", s)
		}
		a.Path = u.Path
	case SchemeVsock:
		cid, port, ok := strings.Cut(u.Host, ":")
		if !ok {
			return Addr{}, fmt.Errorf("address %q: need vsock://cid:port", s)
		}
		if a.CID, err = parseUint32(cid); err != nil {
			return Addr{}, fmt.Errorf("address %q: cid: %w", s, err)
		}
		if a.Port, err = parseUint32(port); err != nil {
			return Addr{}, fmt.Errorf("address %q: port: %w", s, err)
		}
	case SchemeFirecracker:
		if u.Path == "" {
			return Addr{}, fmt.Errorf("address %q: need firecracker:///path?port=N", s)
		}
		a.Path = u.Path
		a.Port = DefaultVsockPort
		if p := u.Query().Get("port"); p != "" {
			if a.Port, err = parseUint32(p); err != nil {
				return Addr{}, fmt.Errorf("address %q: port: %w", s, err)
			}
		}
	default:
		return Addr{}, fmt.Errorf("address %q: unsupported scheme %q", s, u.Scheme)
	}
	return a, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// String formats the address back into URL form.
func (a Addr) String() string {
	switch a.Scheme {
	case SchemeTCP:
		return "tcp://" + a.Host
	case SchemeUnix:
		return "unix://" + a.Path
	case SchemeVsock:
		return fmt.Sprintf("vsock://%d:%d", a.CID, a.Port)
	case SchemeFirecracker:
		return fmt.Sprintf("firecracker://%s?port=%d", a.Path, a.Port)
	}
	return a.Scheme + "://"
}
