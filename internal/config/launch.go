package config

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"time"

	"github.com/docker/go-units"
)

// LaunchConfig describes one sandbox container: VM resources, guest
// networking and readiness timing. It is validated once before launch and
// treated as read-only afterwards.
type LaunchConfig struct {
	ContainerImage string `yaml:"container_image"`
	OSType         string `yaml:"os_type"`

	DiskSize string `yaml:"disk_size"`
	RAMSize  string `yaml:"ram_size"`
	CPUCores int    `yaml:"cpu_cores"`
	ShmSize  string `yaml:"shm_size"`

	NoFile int64 `yaml:"nofile"`
	NProc  int64 `yaml:"nproc"`

	DNSServers      []string `yaml:"dns_servers"`
	DNSOptions      []string `yaml:"dns_options"`
	DNSSearch       []string `yaml:"dns_search"`
	MTU             int      `yaml:"mtu"`
	ConnectionRetry int      `yaml:"connection_retry"`

	// ExtraEnv holds the guest network-stability knobs passed through to the
	// container environment verbatim.
	ExtraEnv map[string]string `yaml:"extra_env"`

	Readiness ReadinessConfig `yaml:"readiness"`
}

// ReadinessConfig holds the two-phase readiness timing and the repair pauses.
type ReadinessConfig struct {
	// Timeout is the overall budget: 60% for service liveness, 40% for
	// network connectivity.
	Timeout time.Duration `yaml:"timeout"`

	ServicePollInterval time.Duration `yaml:"service_poll_interval"`
	NetworkSettle       time.Duration `yaml:"network_settle"`
	NetworkPollInterval time.Duration `yaml:"network_poll_interval"`
	EmergencySettle     time.Duration `yaml:"emergency_settle"`

	StandardRepairPause  time.Duration `yaml:"standard_repair_pause"`
	EmergencyRepairPause time.Duration `yaml:"emergency_repair_pause"`
}

// DefaultLaunchConfig returns the launch parameters the desktop image is
// tuned for.
func DefaultLaunchConfig() LaunchConfig {
	return LaunchConfig{
		ContainerImage:  "happysixd/osworld-docker",
		OSType:          "Ubuntu",
		DiskSize:        "32G",
		RAMSize:         "4G",
		CPUCores:        4,
		ShmSize:         "512m",
		NoFile:          65536,
		NProc:           8192,
		DNSServers:      []string{"8.8.8.8", "8.8.4.4", "1.1.1.1"},
		DNSOptions:      []string{"ndots:0", "timeout:5", "attempts:3"},
		MTU:             1500,
		ConnectionRetry: 5,
		ExtraEnv: map[string]string{
			"NETWORK":               "dhcp",
			"NTP_SERVERS":           "pool.ntp.org",
			"VM_NETWORK_CONFIG":     "static_wait",
			"ENABLE_DHCP":           "delayed",
			"NETWORK_DEBUG":         "yes",
			"FORCE_NETWORK_RESET":   "no",
			"USE_HOST_DNS":          "yes",
			"DISABLE_FIREWALL":      "yes",
			"ENABLE_IPV6":           "no",
			"DNS_FALLBACK":          "yes",
			"NETWORK_TIMEOUT":       "60",
			"TCP_KEEPALIVE":         "yes",
			"NETWORK_STARTUP_DELAY": "15",
			"DNS_READY_CHECK":       "yes",
			"NETWORK_INIT_RETRY":    "3",
			"DHCP_CLIENT_TIMEOUT":   "30",
			"NETWORK_MANAGER_WAIT":  "20",
		},
		Readiness: ReadinessConfig{
			Timeout:              300 * time.Second,
			ServicePollInterval:  time.Second,
			NetworkSettle:        15 * time.Second,
			NetworkPollInterval:  5 * time.Second,
			EmergencySettle:      5 * time.Second,
			StandardRepairPause:  5 * time.Second,
			EmergencyRepairPause: 10 * time.Second,
		},
	}
}

// Validate reports every invalid field at once.
func (c LaunchConfig) Validate() error {
	var errs []error

	if c.ContainerImage == "" {
		errs = append(errs, errors.New("container_image is required"))
	}
	if c.OSType == "" {
		errs = append(errs, errors.New("os_type is required"))
	}
	for field, v := range map[string]string{"disk_size": c.DiskSize, "ram_size": c.RAMSize, "shm_size": c.ShmSize} {
		if _, err := units.RAMInBytes(v); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", field, v, err))
		}
	}
	if c.CPUCores < 1 {
		errs = append(errs, fmt.Errorf("cpu_cores must be positive, got %d", c.CPUCores))
	}
	if c.NoFile < 1 || c.NProc < 1 {
		errs = append(errs, fmt.Errorf("ulimits must be positive, got nofile=%d nproc=%d", c.NoFile, c.NProc))
	}
	if len(c.DNSServers) == 0 {
		errs = append(errs, errors.New("at least one dns server is required"))
	}
	for _, s := range c.DNSServers {
		if net.ParseIP(s) == nil {
			errs = append(errs, fmt.Errorf("dns server %q is not an IP address", s))
		}
	}
	if c.MTU < 576 || c.MTU > 9000 {
		errs = append(errs, fmt.Errorf("mtu %d out of range [576, 9000]", c.MTU))
	}
	if c.ConnectionRetry < 0 {
		errs = append(errs, fmt.Errorf("connection_retry must not be negative, got %d", c.ConnectionRetry))
	}

	r := c.Readiness
	if r.Timeout <= 0 {
		errs = append(errs, errors.New("readiness timeout must be positive"))
	}
	if r.ServicePollInterval <= 0 || r.NetworkPollInterval <= 0 {
		errs = append(errs, errors.New("readiness poll intervals must be positive"))
	}
	if r.NetworkSettle < 0 || r.EmergencySettle < 0 || r.StandardRepairPause < 0 || r.EmergencyRepairPause < 0 {
		errs = append(errs, errors.New("readiness settle and pause durations must not be negative"))
	}

	return errors.Join(errs...)
}

// Clone returns a deep copy so callers can hold it without sharing slices
// or maps with the original.
func (c LaunchConfig) Clone() LaunchConfig {
	out := c
	out.DNSServers = slices.Clone(c.DNSServers)
	out.DNSOptions = slices.Clone(c.DNSOptions)
	out.DNSSearch = slices.Clone(c.DNSSearch)
	out.ExtraEnv = maps.Clone(c.ExtraEnv)
	return out
}
