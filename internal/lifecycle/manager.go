// Package lifecycle provisions one desktop sandbox at a time.
//
// Start flow:
//
//	ensure images → lock → allocate ports → launch → unlock → readiness probe
//
// The lock covers only the port scan and the container launch, so concurrent
// Managers (in one process or many) never pick overlapping ports. Readiness
// probing runs outside the lock. A sandbox whose network never came up is
// still returned, in NetworkDegraded; only a guest service that never
// answers makes Start fail.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xfeldman/deskvm/internal/config"
	"github.com/xfeldman/deskvm/internal/flock"
	"github.com/xfeldman/deskvm/internal/guest"
	"github.com/xfeldman/deskvm/internal/image"
	"github.com/xfeldman/deskvm/internal/logging"
	"github.com/xfeldman/deskvm/internal/netrepair"
	"github.com/xfeldman/deskvm/internal/portalloc"
	"github.com/xfeldman/deskvm/internal/readiness"
	"github.com/xfeldman/deskvm/internal/registry"
	"github.com/xfeldman/deskvm/internal/vmm"
)

var (
	// ErrNotStarted is returned when an operation needs a running instance.
	ErrNotStarted = errors.New("instance not started")

	// ErrUnsupported is returned by operations the Docker backend cannot do.
	ErrUnsupported = errors.New("operation not supported")

	// ErrAlreadyStarted is returned by Start while the Manager holds an instance.
	ErrAlreadyStarted = errors.New("instance already started")
)

// Instance states
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopped  = "stopped"
)

// LocalHost is the host every published port is bound on.
const LocalHost = "localhost"

// Instance is one provisioned sandbox.
type Instance struct {
	ID          string
	OSType      string
	DiskImage   string
	CreatedAt   time.Time
	ImageRef    string
	launchedPID int

	// launch is the validated copy used for the whole start sequence.
	launch config.LaunchConfig

	mu        sync.Mutex
	state     string
	readiness readiness.State
	handle    vmm.Handle
	ports     portalloc.PortSet
}

// State returns the lifecycle state.
func (i *Instance) State() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Readiness returns the readiness state.
func (i *Instance) Readiness() readiness.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.readiness
}

// Handle returns the container handle, zero after Stop.
func (i *Instance) Handle() vmm.Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handle
}

// Ports returns the allocated host ports, zero after Stop.
func (i *Instance) Ports() portalloc.PortSet {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ports
}

func (i *Instance) setState(s string) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Instance) setReadiness(s readiness.State) {
	i.mu.Lock()
	i.readiness = s
	i.mu.Unlock()
}

func (i *Instance) record() *registry.Instance {
	i.mu.Lock()
	defer i.mu.Unlock()
	return &registry.Instance{
		ID:             i.ID,
		State:          i.state,
		Readiness:      i.readiness.String(),
		ContainerID:    i.handle.ID,
		ContainerName:  i.handle.Name,
		Ports:          i.ports,
		OSType:         i.OSType,
		ContainerImage: i.ImageRef,
		DiskImage:      i.DiskImage,
		OwnerPID:       i.launchedPID,
		CreatedAt:      i.CreatedAt,
	}
}

// Address is where the sandbox services are reachable from the host.
type Address struct {
	Host     string `json:"host"`
	Server   int    `json:"server"`
	Chromium int    `json:"chromium"`
	VNC      int    `json:"vnc"`
	VLC      int    `json:"vlc"`
}

// String renders host:server:chromium:vnc:vlc.
func (a Address) String() string {
	return fmt.Sprintf("%s:%d:%d:%d:%d", a.Host, a.Server, a.Chromium, a.VNC, a.VLC)
}

// Guest is the guest control API as the Manager and its callers use it.
type Guest interface {
	readiness.Guest
	FetchFile(ctx context.Context, guestPath, hostPath string) error
}

// GuestFactory returns a guest client for the control API on host:port.
type GuestFactory func(host string, port int) Guest

// ImageProvisioner makes the VM disk image for an OS type available locally.
type ImageProvisioner interface {
	EnsureImage(ctx context.Context, osType string) (string, error)
}

// Registry persists instance records.
type Registry interface {
	SaveInstance(inst *registry.Instance) error
	UpdateState(id, state string) error
	AppendEvent(instanceID, kind, detail string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithImageProvisioner replaces the disk image provisioner.
func WithImageProvisioner(p ImageProvisioner) Option {
	return func(m *Manager) { m.images = p }
}

// WithAllocator replaces the port allocator.
func WithAllocator(a *portalloc.Allocator) Option {
	return func(m *Manager) { m.allocator = a }
}

// WithGuestFactory replaces how guest clients are built.
func WithGuestFactory(f GuestFactory) Option {
	return func(m *Manager) { m.newGuest = f }
}

// Manager owns at most one Instance.
type Manager struct {
	launcher  vmm.Launcher
	cfg       *config.Config
	images    ImageProvisioner
	allocator *portalloc.Allocator
	newGuest  GuestFactory
	logger    *slog.Logger
	registry  Registry

	mu       sync.Mutex
	inst     *Instance
	starting bool
}

// NewManager returns a Manager launching sandboxes through launcher.
func NewManager(launcher vmm.Launcher, cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{launcher: launcher, cfg: cfg}
	for _, o := range opts {
		o(m)
	}
	m.logger = logging.Ensure(m.logger).With("component", "lifecycle")
	if m.images == nil {
		m.images = image.NewProvisioner(cfg.ImagesDir, cfg.ImageBaseURL, image.WithLogger(m.logger))
	}
	if m.allocator == nil {
		m.allocator = portalloc.NewAllocator(portalloc.NewHostScanner(), portalloc.Published(launcher))
	}
	if m.newGuest == nil {
		m.newGuest = func(host string, port int) Guest { return guest.New(host, port) }
	}
	return m
}

// SetRegistry sets the registry for instance persistence.
func (m *Manager) SetRegistry(r Registry) {
	m.registry = r
}

// Start provisions a sandbox and blocks until it is usable.
func (m *Manager) Start(ctx context.Context) (*Instance, error) {
	m.mu.Lock()
	if m.inst != nil || m.starting {
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	m.starting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
	}()

	lc := m.cfg.Launch.Clone()
	if err := lc.Validate(); err != nil {
		return nil, fmt.Errorf("validate launch config: %w", err)
	}

	inst := &Instance{
		ID:          uuid.NewString(),
		OSType:      lc.OSType,
		ImageRef:    lc.ContainerImage,
		CreatedAt:   time.Now(),
		launchedPID: os.Getpid(),
		launch:      lc,
		state:       StateStarting,
	}
	logger := m.logger.With("instance", shortID(inst.ID))

	disk, err := m.images.EnsureImage(ctx, lc.OSType)
	if err != nil {
		return nil, fmt.Errorf("ensure disk image: %w", err)
	}
	inst.DiskImage = disk
	if err := m.launcher.EnsureImage(ctx, lc.ContainerImage); err != nil {
		return nil, fmt.Errorf("ensure container image: %w", err)
	}

	if err := m.launch(ctx, inst, logger); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.inst = inst
	m.mu.Unlock()
	m.saveToRegistry(inst)
	logger.Info("sandbox launched", "container", inst.Handle(), "ports", inst.Ports())

	state, err := m.probe(ctx, inst, logger)
	if err == nil && !state.Usable() {
		err = fmt.Errorf("readiness ended in %s", state)
	}
	if err != nil {
		if m.detach(inst) {
			if stopErr := m.teardown(context.WithoutCancel(ctx), inst); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
		}
		return nil, fmt.Errorf("wait for readiness: %w", err)
	}

	m.mu.Lock()
	held := m.inst == inst
	m.mu.Unlock()
	if !held {
		return nil, fmt.Errorf("stopped during startup: %w", ErrNotStarted)
	}

	inst.setState(StateRunning)
	m.saveToRegistry(inst)
	logger.Info("sandbox ready", "readiness", state, "address", m.address(inst))
	return inst, nil
}

// launch allocates ports and starts the container under the cross-process lock.
func (m *Manager) launch(ctx context.Context, inst *Instance, logger *slog.Logger) error {
	lock, err := flock.Acquire(ctx, m.cfg.LockPath, m.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire port lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release port lock", "error", err)
		}
	}()

	ports, err := m.allocator.AllocateSet(ctx)
	if err != nil {
		return fmt.Errorf("allocate ports: %w", err)
	}
	logger.Debug("ports allocated", "ports", ports)

	h, err := m.launcher.Launch(ctx, vmm.LaunchSpec{
		InstanceID:    inst.ID,
		Name:          ContainerName(inst.ID),
		DiskImagePath: inst.DiskImage,
		Ports:         ports.Bindings(),
		Launch:        inst.launch,
	})
	if err != nil {
		return fmt.Errorf("launch sandbox: %w", err)
	}

	inst.mu.Lock()
	inst.handle = h
	inst.ports = ports
	inst.mu.Unlock()
	return nil
}

func (m *Manager) probe(ctx context.Context, inst *Instance, logger *slog.Logger) (readiness.State, error) {
	lc := inst.launch
	rc := lc.Readiness

	g := m.newGuest(LocalHost, inst.Ports().Server)

	opts := netrepair.DefaultOptions()
	opts.DNSServers = lc.DNSServers
	opts.StandardPause = rc.StandardRepairPause
	opts.EmergencyPause = rc.EmergencyRepairPause
	engine := netrepair.NewEngine(g, opts, logger)

	prober := readiness.NewProber(g, engine, readiness.Config{
		Timeout:             rc.Timeout,
		ServicePollInterval: rc.ServicePollInterval,
		NetworkSettle:       rc.NetworkSettle,
		NetworkPollInterval: rc.NetworkPollInterval,
		EmergencySettle:     rc.EmergencySettle,
	}, logger)
	prober.OnTransition = func(s readiness.State) {
		inst.setReadiness(s)
		m.recordEvent(inst, "readiness", s.String())
	}
	return prober.Run(ctx)
}

// Address returns where the held sandbox is reachable.
func (m *Manager) Address() (Address, error) {
	m.mu.Lock()
	inst := m.inst
	m.mu.Unlock()
	if inst == nil || inst.Ports().IsZero() {
		return Address{}, ErrNotStarted
	}
	return m.address(inst), nil
}

func (m *Manager) address(inst *Instance) Address {
	p := inst.Ports()
	return Address{Host: LocalHost, Server: p.Server, Chromium: p.Chromium, VNC: p.VNC, VLC: p.VLC}
}

// Stop tears down the held sandbox. It is safe to call any number of times;
// container errors are logged, not returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	inst := m.inst
	m.inst = nil
	m.mu.Unlock()
	if inst == nil {
		return nil
	}

	if err := m.teardown(ctx, inst); err != nil {
		m.logger.Warn("stop sandbox", "instance", shortID(inst.ID), "error", err)
	}
	return nil
}

// RevertToSnapshot discards the sandbox. Every Start boots from the pristine
// read-only disk image, so reverting is stopping.
func (m *Manager) RevertToSnapshot(ctx context.Context, name string) error {
	m.logger.Info("revert to snapshot", "snapshot", name)
	return m.Stop(ctx)
}

// SaveState is not supported by the Docker backend.
func (m *Manager) SaveState(ctx context.Context, name string) error {
	return fmt.Errorf("save state %q: %w", name, ErrUnsupported)
}

// Instance returns the held instance, or nil.
func (m *Manager) Instance() *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst
}

// Guest returns a control API client for the held instance.
func (m *Manager) Guest() (Guest, error) {
	m.mu.Lock()
	inst := m.inst
	m.mu.Unlock()
	if inst == nil || inst.Ports().IsZero() {
		return nil, ErrNotStarted
	}
	return m.newGuest(LocalHost, inst.Ports().Server), nil
}

// detach drops inst if it is still the held instance.
func (m *Manager) detach(inst *Instance) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inst != inst {
		return false
	}
	m.inst = nil
	return true
}

// teardown stops the container, waits for its ports to drain and clears the
// instance. Ports and handle are cleared even when the stop fails.
func (m *Manager) teardown(ctx context.Context, inst *Instance) error {
	h := inst.Handle()
	var err error
	if !h.IsZero() {
		if err = m.launcher.Stop(ctx, h); err != nil {
			err = fmt.Errorf("stop %s: %w", h, err)
		}
		if m.cfg.DrainWait > 0 {
			t := time.NewTimer(m.cfg.DrainWait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
	}

	inst.mu.Lock()
	inst.handle = vmm.Handle{}
	inst.ports = portalloc.PortSet{}
	inst.state = StateStopped
	inst.mu.Unlock()

	if m.registry != nil {
		if err := m.registry.UpdateState(inst.ID, StateStopped); err != nil {
			m.logger.Warn("update registry state", "instance", shortID(inst.ID), "error", err)
		}
	}
	m.recordEvent(inst, "state", StateStopped)
	m.logger.Info("sandbox stopped", "instance", shortID(inst.ID))
	return err
}

// saveToRegistry persists an instance to the registry database.
func (m *Manager) saveToRegistry(inst *Instance) {
	if m.registry == nil {
		return
	}
	rec := inst.record()
	if err := m.registry.SaveInstance(rec); err != nil {
		m.logger.Warn("save instance to registry", "instance", shortID(inst.ID), "error", err)
		return
	}
	m.recordEvent(inst, "state", rec.State)
}

func (m *Manager) recordEvent(inst *Instance, kind, detail string) {
	if m.registry == nil {
		return
	}
	if err := m.registry.AppendEvent(inst.ID, kind, detail); err != nil {
		m.logger.Debug("append registry event", "instance", shortID(inst.ID), "error", err)
	}
}

// ContainerName is the container name used for an instance.
func ContainerName(id string) string {
	return "deskvm-" + shortID(id)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
