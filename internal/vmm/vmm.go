// Package vmm defines the sandbox launcher interface.
// A sandbox is a container running a desktop VM under QEMU; the Docker
// backend in this package is the only implementation, tests substitute fakes.
package vmm

import (
	"context"
	"errors"
	"fmt"

	"github.com/xfeldman/deskvm/internal/config"
)

// ErrLaunch wraps every failure to create or start a sandbox.
var ErrLaunch = errors.New("sandbox launch failed")

// InstanceLabel is set on every sandbox container to the owning instance ID.
const InstanceLabel = "deskvm.instance"

// Handle is an opaque reference to a running sandbox.
type Handle struct {
	ID   string // container ID
	Name string // container name
}

func (h Handle) String() string {
	if h.Name != "" {
		return h.Name
	}
	return h.ID
}

// IsZero reports whether h refers to nothing.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// LaunchSpec describes one sandbox to start.
type LaunchSpec struct {
	// InstanceID labels the container so it can be found again.
	InstanceID string

	// Name is the container name.
	Name string

	// DiskImagePath is the host path of the VM disk image, mounted read-only.
	DiskImagePath string

	// Ports maps guest port to host port.
	Ports map[int]int

	// Launch holds image, resources and guest network settings.
	Launch config.LaunchConfig
}

// BackendCaps reports what a backend can do on this host.
type BackendCaps struct {
	// Name is the backend identifier ("docker").
	Name string

	// HardwareAccel is true when the KVM device can be passed through.
	HardwareAccel bool
}

func (c BackendCaps) String() string {
	return fmt.Sprintf("backend=%s kvm=%v", c.Name, c.HardwareAccel)
}

// Launcher starts and stops sandboxes.
// Core code calls this interface and never talks to Docker directly.
type Launcher interface {
	// EnsureImage makes the container image available locally, pulling it
	// when missing or out of date.
	EnsureImage(ctx context.Context, ref string) error

	// Launch creates and starts one sandbox. On failure no container is
	// left behind and the error wraps ErrLaunch.
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)

	// Stop stops and removes the sandbox. Stopping a sandbox that no longer
	// exists is not an error.
	Stop(ctx context.Context, h Handle) error

	// PublishedPorts lists host ports published by running containers.
	PublishedPorts(ctx context.Context) ([]int, error)

	// Capabilities reports backend capabilities.
	Capabilities() BackendCaps
}
