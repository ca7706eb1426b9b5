// Package portalloc picks free host ports for the four sandbox services.
//
// A port is free when no host socket is bound to it and no running
// container publishes it. The usage snapshot is rebuilt on every call;
// callers serialize allocate+launch with the flock package so two
// processes cannot pick the same port between scan and bind.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Ceiling is the exclusive upper bound of the search.
const Ceiling = 65354

// ErrNoFreePort is returned when every port from start up to Ceiling is in use.
var ErrNoFreePort = errors.New("no free port")

// Service is one guest service exposed on a host port.
type Service struct {
	Name      string
	GuestPort int
	Start     int // first host port tried
}

// Services in allocation order.
var (
	VNC      = Service{Name: "vnc", GuestPort: 8006, Start: 8006}
	Server   = Service{Name: "server", GuestPort: 5000, Start: 5000}
	Chromium = Service{Name: "chromium", GuestPort: 9222, Start: 9222}
	VLC      = Service{Name: "vlc", GuestPort: 8080, Start: 8080}
)

// PortSet holds the host ports of one instance. The zero value means
// "not allocated".
type PortSet struct {
	Server   int `json:"server"`
	VNC      int `json:"vnc"`
	Chromium int `json:"chromium"`
	VLC      int `json:"vlc"`
}

// IsZero reports whether no port is set.
func (p PortSet) IsZero() bool {
	return p == PortSet{}
}

// Complete reports whether all four ports are set.
func (p PortSet) Complete() bool {
	return p.Server != 0 && p.VNC != 0 && p.Chromium != 0 && p.VLC != 0
}

// Bindings maps guest port to host port.
func (p PortSet) Bindings() map[int]int {
	return map[int]int{
		Server.GuestPort:   p.Server,
		VNC.GuestPort:      p.VNC,
		Chromium.GuestPort: p.Chromium,
		VLC.GuestPort:      p.VLC,
	}
}

// Ports returns the four host ports in allocation order.
func (p PortSet) Ports() []int {
	return []int{p.VNC, p.Server, p.Chromium, p.VLC}
}

func (p PortSet) String() string {
	return fmt.Sprintf("server=%d vnc=%d chromium=%d vlc=%d", p.Server, p.VNC, p.Chromium, p.VLC)
}

// Scanner reports ports currently in use from one source.
type Scanner interface {
	UsedPorts(ctx context.Context) (map[int]struct{}, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context) (map[int]struct{}, error)

func (f ScannerFunc) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	return f(ctx)
}

// PortPublisher is anything that can list host ports published by running
// containers. vmm.Launcher satisfies it.
type PortPublisher interface {
	PublishedPorts(ctx context.Context) ([]int, error)
}

// Published turns a PortPublisher into a Scanner.
func Published(p PortPublisher) Scanner {
	return ScannerFunc(func(ctx context.Context) (map[int]struct{}, error) {
		ports, err := p.PublishedPorts(ctx)
		if err != nil {
			return nil, err
		}
		used := make(map[int]struct{}, len(ports))
		for _, port := range ports {
			used[port] = struct{}{}
		}
		return used, nil
	})
}

// Allocator picks ports not reported by any of its scanners.
type Allocator struct {
	scanners []Scanner
}

// NewAllocator returns an allocator consulting every scanner on each call.
func NewAllocator(scanners ...Scanner) *Allocator {
	return &Allocator{scanners: scanners}
}

// Allocate returns the lowest port >= start that is not in use.
func (a *Allocator) Allocate(ctx context.Context, start int) (int, error) {
	used, err := a.scan(ctx)
	if err != nil {
		return 0, err
	}
	return pick(start, used)
}

// AllocateSet picks all four service ports. Ports handed out earlier in the
// batch count as used for the later ones.
func (a *Allocator) AllocateSet(ctx context.Context) (PortSet, error) {
	var ps PortSet
	taken := make(map[int]struct{}, 4)

	for _, s := range []struct {
		svc Service
		dst *int
	}{
		{VNC, &ps.VNC},
		{Server, &ps.Server},
		{Chromium, &ps.Chromium},
		{VLC, &ps.VLC},
	} {
		used, err := a.scan(ctx)
		if err != nil {
			return PortSet{}, err
		}
		for p := range taken {
			used[p] = struct{}{}
		}
		port, err := pick(s.svc.Start, used)
		if err != nil {
			return PortSet{}, fmt.Errorf("allocate %s port: %w", s.svc.Name, err)
		}
		*s.dst = port
		taken[port] = struct{}{}
	}
	return ps, nil
}

func (a *Allocator) scan(ctx context.Context) (map[int]struct{}, error) {
	used := make(map[int]struct{})
	for _, s := range a.scanners {
		ports, err := s.UsedPorts(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan used ports: %w", err)
		}
		for p := range ports {
			used[p] = struct{}{}
		}
	}
	return used, nil
}

func pick(start int, used map[int]struct{}) (int, error) {
	if start < 1 || start >= Ceiling {
		return 0, fmt.Errorf("%w: start %d outside [1, %d)", ErrNoFreePort, start, Ceiling)
	}
	for port := start; port < Ceiling; port++ {
		if _, ok := used[port]; !ok {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in [%d, %d)", ErrNoFreePort, start, Ceiling)
}

// parseNetstat extracts local ports from `netstat -an` output. Address
// forms differ by platform ("*.5000", "0.0.0.0:5000", "[::]:5000"); the
// port is always the digits after the last '.' or ':'.
func parseNetstat(out string) map[int]struct{} {
	used := make(map[int]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		proto := strings.ToLower(fields[0])
		if !strings.HasPrefix(proto, "tcp") && !strings.HasPrefix(proto, "udp") {
			continue
		}
		// BSD netstat: proto recv-q send-q local foreign [state].
		// Windows netstat: proto local foreign [state].
		local := fields[1]
		if _, err := strconv.Atoi(fields[1]); err == nil && len(fields) >= 4 {
			local = fields[3]
		}
		i := strings.LastIndexAny(local, ".:")
		if i < 0 {
			continue
		}
		if port, err := strconv.Atoi(local[i+1:]); err == nil && port > 0 {
			used[port] = struct{}{}
		}
	}
	return used
}
