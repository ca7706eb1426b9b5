package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/xfeldman/deskvm/internal/logging"
)

// DiskMountPath is where the VM disk image appears inside the container.
const DiskMountPath = "/System.qcow2"

// cleanupTimeout bounds container removal after a failed launch, which runs
// even when the caller's context is already done.
const cleanupTimeout = 30 * time.Second

// dockerAPI is the subset of *client.Client the backend uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// DigestResolver returns the registry digest of an image reference.
type DigestResolver func(ctx context.Context, ref string) (string, error)

// DockerVMM launches sandboxes as Docker containers.
type DockerVMM struct {
	cli           dockerAPI
	kvmDevice     string
	resolveDigest DigestResolver
	logger        *slog.Logger
}

// DockerOption configures a DockerVMM.
type DockerOption func(*DockerVMM)

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) DockerOption {
	return func(d *DockerVMM) { d.logger = l }
}

// WithDigestResolver sets how EnsureImage learns the registry digest.
// Without one, a locally present image is always considered current.
func WithDigestResolver(r DigestResolver) DockerOption {
	return func(d *DockerVMM) { d.resolveDigest = r }
}

// NewDockerVMM connects to the Docker daemon named by the environment
// (DOCKER_HOST and friends). kvmDevice is usually /dev/kvm.
func NewDockerVMM(kvmDevice string, opts ...DockerOption) (*DockerVMM, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerVMM(cli, kvmDevice, opts...), nil
}

func newDockerVMM(cli dockerAPI, kvmDevice string, opts ...DockerOption) *DockerVMM {
	d := &DockerVMM{cli: cli, kvmDevice: kvmDevice}
	for _, o := range opts {
		o(d)
	}
	d.logger = logging.Ensure(d.logger).With("component", "docker")
	return d
}

// Close releases the Docker client.
func (d *DockerVMM) Close() error {
	return d.cli.Close()
}

func (d *DockerVMM) Capabilities() BackendCaps {
	return BackendCaps{Name: "docker", HardwareAccel: d.kvmAvailable()}
}

func (d *DockerVMM) kvmAvailable() bool {
	if d.kvmDevice == "" {
		return false
	}
	_, err := os.Stat(d.kvmDevice)
	return err == nil
}

func (d *DockerVMM) EnsureImage(ctx context.Context, ref string) error {
	inspect, err := d.cli.ImageInspect(ctx, ref)
	switch {
	case err == nil:
		if d.resolveDigest == nil {
			return nil
		}
		remote, rerr := d.resolveDigest(ctx, ref)
		if rerr != nil {
			d.logger.Warn("cannot resolve registry digest, using local image", "image", ref, "error", rerr)
			return nil
		}
		if hasDigest(inspect.RepoDigests, remote) {
			d.logger.Debug("image up to date", "image", ref, "digest", remote)
			return nil
		}
		d.logger.Info("local image is stale, pulling", "image", ref, "digest", remote)
	case errdefs.IsNotFound(err):
		d.logger.Info("image not present, pulling", "image", ref)
	default:
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// The pull finishes when the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	d.logger.Info("image pulled", "image", ref)
	return nil
}

func hasDigest(repoDigests []string, digest string) bool {
	for _, rd := range repoDigests {
		if strings.HasSuffix(rd, "@"+digest) {
			return true
		}
	}
	return false
}

func (d *DockerVMM) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	cfg, hostCfg, err := d.containerConfig(spec)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		launchErr := fmt.Errorf("%w: create container %s: %w", ErrLaunch, spec.Name, err)
		// A cancelled create may still have been committed by the daemon.
		if ctx.Err() != nil {
			if rerr := d.remove(Handle{ID: spec.Name, Name: spec.Name}); rerr != nil {
				return Handle{}, errors.Join(launchErr, rerr)
			}
		}
		return Handle{}, launchErr
	}
	h := Handle{ID: resp.ID, Name: spec.Name}
	for _, w := range resp.Warnings {
		d.logger.Warn("docker create warning", "container", h, "warning", w)
	}

	if err := d.cli.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		launchErr := fmt.Errorf("%w: start container %s: %w", ErrLaunch, h, err)
		if rerr := d.remove(h); rerr != nil {
			return Handle{}, errors.Join(launchErr, rerr)
		}
		return Handle{}, launchErr
	}

	d.logger.Info("container started", "container", h, "id", shortID(h.ID), "ports", spec.Ports)
	return h, nil
}

// remove force-removes a container on a context detached from the caller.
func (d *DockerVMM) remove(h Handle) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", h, err)
	}
	return nil
}

func (d *DockerVMM) containerConfig(spec LaunchSpec) (*container.Config, *container.HostConfig, error) {
	lc := spec.Launch

	shm, err := units.RAMInBytes(lc.ShmSize)
	if err != nil {
		return nil, nil, fmt.Errorf("shm size %q: %w", lc.ShmSize, err)
	}

	env := map[string]string{}
	for k, v := range lc.ExtraEnv {
		env[k] = v
	}
	env["DISK_SIZE"] = lc.DiskSize
	env["RAM_SIZE"] = lc.RAMSize
	env["CPU_CORES"] = strconv.Itoa(lc.CPUCores)
	env["DNS_SERVERS"] = strings.Join(lc.DNSServers, ",")
	env["MTU"] = strconv.Itoa(lc.MTU)
	env["CONNECTION_RETRY"] = strconv.Itoa(lc.ConnectionRetry)
	env["QEMU_NET_OPTIONS"] = qemuNetOptions(lc.DNSServers, spec.Ports)

	var devices []container.DeviceMapping
	if d.kvmAvailable() {
		devices = append(devices, container.DeviceMapping{
			PathOnHost:        d.kvmDevice,
			PathInContainer:   "/dev/kvm",
			CgroupPermissions: "rwm",
		})
	} else {
		env["KVM"] = "N"
		d.logger.Warn("KVM device not found, guest will run without hardware acceleration", "device", d.kvmDevice)
	}

	exposed := make(nat.PortSet, len(spec.Ports))
	bindings := make(nat.PortMap, len(spec.Ports))
	for guest, host := range spec.Ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", guest))
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: strconv.Itoa(host)}}
	}

	cfg := &container.Config{
		Image:        lc.ContainerImage,
		Env:          envList(env),
		ExposedPorts: exposed,
		Labels:       map[string]string{InstanceLabel: spec.InstanceID},
	}
	hostCfg := &container.HostConfig{
		Binds:        []string{spec.DiskImagePath + ":" + DiskMountPath + ":ro"},
		PortBindings: bindings,
		NetworkMode:  container.NetworkMode("bridge"),
		Privileged:   true,
		CapAdd:       []string{"NET_ADMIN", "SYS_ADMIN", "NET_RAW"},
		DNS:          slices.Clone(lc.DNSServers),
		DNSOptions:   slices.Clone(lc.DNSOptions),
		DNSSearch:    slices.Clone(lc.DNSSearch),
		ShmSize:      shm,
		Resources: container.Resources{
			Devices: devices,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: lc.NoFile, Hard: lc.NoFile},
				{Name: "nproc", Soft: lc.NProc, Hard: lc.NProc},
			},
		},
	}
	return cfg, hostCfg, nil
}

// qemuNetOptions builds user-mode networking for the guest with the given
// resolvers and a host forward for each guest service port.
func qemuNetOptions(dns []string, ports map[int]int) string {
	var b strings.Builder
	b.WriteString("-netdev user,id=net0")
	for _, s := range dns {
		b.WriteString(",dns=")
		b.WriteString(s)
	}
	b.WriteString(",net=10.0.2.0/24,dhcpstart=10.0.2.15")
	guests := make([]int, 0, len(ports))
	for g := range ports {
		guests = append(guests, g)
	}
	slices.Sort(guests)
	for _, g := range guests {
		fmt.Fprintf(&b, ",hostfwd=tcp::%d-:%d", g, g)
	}
	b.WriteString(" -device virtio-net-pci,netdev=net0")
	return b.String()
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

func (d *DockerVMM) Stop(ctx context.Context, h Handle) error {
	if h.IsZero() {
		return nil
	}
	if err := d.cli.ContainerStop(ctx, h.ID, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		d.logger.Warn("stop container failed, removing anyway", "container", h, "error", err)
	}
	if err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", h, err)
	}
	d.logger.Info("container removed", "container", h)
	return nil
}

func (d *DockerVMM) PublishedPorts(ctx context.Context) ([]int, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	var ports []int
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports = append(ports, int(p.PublicPort))
			}
		}
	}
	return ports, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
