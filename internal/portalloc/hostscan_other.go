//go:build !linux

package portalloc

import (
	"context"
	"fmt"
	"os/exec"
)

// HostScanner reports local ports with a TCP or UDP socket on the host by
// parsing `netstat -an`.
type HostScanner struct{}

// NewHostScanner returns the platform's host socket scanner.
func NewHostScanner() *HostScanner {
	return &HostScanner{}
}

func (HostScanner) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	out, err := exec.CommandContext(ctx, "netstat", "-an").Output()
	if err != nil {
		return nil, fmt.Errorf("netstat: %w", err)
	}
	return parseNetstat(string(out)), nil
}
