package portalloc

import (
	"context"
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// HostScanner reports every local port with a TCP or UDP socket on the host,
// in any state, from a SOCK_DIAG dump.
type HostScanner struct{}

// NewHostScanner returns the platform's host socket scanner.
func NewHostScanner() *HostScanner {
	return &HostScanner{}
}

func (HostScanner) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	used := make(map[int]struct{})
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tcp, err := netlink.SocketDiagTCP(family)
		if err != nil {
			if family == unix.AF_INET6 && ipv6Unavailable(err) {
				continue
			}
			return nil, fmt.Errorf("tcp socket dump (family %d): %w", family, err)
		}
		udp, err := netlink.SocketDiagUDP(family)
		if err != nil {
			if family == unix.AF_INET6 && ipv6Unavailable(err) {
				continue
			}
			return nil, fmt.Errorf("udp socket dump (family %d): %w", family, err)
		}
		for _, s := range append(tcp, udp...) {
			if s.ID.SourcePort != 0 {
				used[int(s.ID.SourcePort)] = struct{}{}
			}
		}
	}
	return used, nil
}

func ipv6Unavailable(err error) bool {
	return errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.ENOENT)
}
