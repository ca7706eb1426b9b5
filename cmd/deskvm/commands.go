package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xfeldman/deskvm/internal/config"
	"github.com/xfeldman/deskvm/internal/flock"
	"github.com/xfeldman/deskvm/internal/guest"
	"github.com/xfeldman/deskvm/internal/image"
	"github.com/xfeldman/deskvm/internal/lifecycle"
	"github.com/xfeldman/deskvm/internal/portalloc"
	"github.com/xfeldman/deskvm/internal/registry"
	"github.com/xfeldman/deskvm/internal/vmm"
)

// stopTimeout bounds teardown after the start command is interrupted.
const stopTimeout = time.Minute

func (a *app) startCommand() *cobra.Command {
	var (
		osType  string
		timeout time.Duration
		detach  bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a sandbox and print its address once usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if osType != "" {
				a.cfg.Launch.OSType = osType
			}
			if timeout > 0 {
				a.cfg.Launch.Readiness.Timeout = timeout
			}

			db, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()

			backend, err := a.openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			mgr := lifecycle.NewManager(backend, a.cfg, lifecycle.WithLogger(a.logger))
			mgr.SetRegistry(db)

			inst, err := mgr.Start(ctx)
			if err != nil {
				return err
			}
			addr, err := mgr.Address()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", inst.ID, inst.Readiness(), addr)

			if detach {
				return nil
			}

			a.logger.Info("sandbox running; press Ctrl+C to stop", "instance", inst.ID)
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			return mgr.Stop(stopCtx)
		},
	}

	cmd.Flags().StringVar(&osType, "os", "", "Guest OS type (Ubuntu, Windows); defaults to the config value")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Readiness budget; defaults to the config value")
	cmd.Flags().BoolVar(&detach, "detach", false, "Leave the sandbox running and exit; stop it later with 'deskvm stop'")
	return cmd
}

func (a *app) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a recorded sandbox and remove its container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()

			rec, err := lookupInstance(db, args[0])
			if err != nil {
				return err
			}

			backend, err := a.openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			h := vmm.Handle{ID: rec.ContainerID, Name: rec.ContainerName}
			if !h.IsZero() {
				if err := backend.Stop(cmd.Context(), h); err != nil {
					return fmt.Errorf("stop %s: %w", h, err)
				}
			}
			rec.State = lifecycle.StateStopped
			rec.ContainerID = ""
			rec.Ports = portalloc.PortSet{}
			if err := db.SaveInstance(rec); err != nil {
				return fmt.Errorf("update registry: %w", err)
			}
			db.AppendEvent(rec.ID, "state", lifecycle.StateStopped)
			a.logger.Info("sandbox stopped", "instance", rec.ID)
			return nil
		},
	}
}

func (a *app) listCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sandboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()

			instances, err := db.ListInstances()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(instances)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tREADINESS\tOS\tPORTS\tCREATED")
			for _, inst := range instances {
				ports := "-"
				if !inst.Ports.IsZero() {
					ports = inst.Ports.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					inst.ID, inst.State, inst.Readiness, inst.OSType, ports,
					inst.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func (a *app) cpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <id> <guest-path> <host-path>",
		Short: "Copy a file out of a running sandbox",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()

			rec, err := lookupInstance(db, args[0])
			if err != nil {
				return err
			}
			if rec.State != lifecycle.StateRunning || rec.Ports.Server == 0 {
				return fmt.Errorf("instance %s is %s: %w", rec.ID, rec.State, lifecycle.ErrNotStarted)
			}

			c := guest.New(lifecycle.LocalHost, rec.Ports.Server)
			if err := c.FetchFile(cmd.Context(), args[1], args[2]); err != nil {
				return err
			}
			a.logger.Info("file copied", "instance", rec.ID, "from", args[1], "to", args[2])
			return nil
		},
	}
}

func (a *app) imageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage VM disk and container images",
	}

	var pull bool
	fetch := &cobra.Command{
		Use:   "fetch <os>",
		Short: "Download and extract the VM disk image for an OS type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := image.NewProvisioner(a.cfg.ImagesDir, a.cfg.ImageBaseURL, image.WithLogger(a.logger))
			path, err := p.EnsureImage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)

			if !pull {
				return nil
			}
			backend, err := a.openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()
			return backend.EnsureImage(cmd.Context(), a.cfg.Launch.ContainerImage)
		},
	}
	fetch.Flags().BoolVar(&pull, "pull", false, "Also pull the sandbox container image")

	digest := &cobra.Command{
		Use:   "digest [ref]",
		Short: "Print the registry digest of the sandbox container image",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := a.cfg.Launch.ContainerImage
			if len(args) == 1 {
				ref = args[0]
			}
			d, err := image.ResolveDigest(cmd.Context(), ref)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	}

	cmd.AddCommand(fetch, digest)
	return cmd
}

func (a *app) portsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Show the host ports the next sandbox would be given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, err := a.openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			lock, err := flock.Acquire(ctx, a.cfg.LockPath, a.cfg.LockTimeout)
			if err != nil {
				return err
			}
			defer lock.Release()

			alloc := portalloc.NewAllocator(portalloc.NewHostScanner(), portalloc.Published(backend))
			ps, err := alloc.AllocateSet(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ps)
			return nil
		},
	}
}

func (a *app) doctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print platform and backend info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			p := config.DetectPlatform(a.cfg.KVMDevice)

			fmt.Fprintln(out, "deskvm doctor")
			fmt.Fprintln(out, "=============")
			fmt.Fprintf(out, "Platform:  %s/%s\n", p.OS, p.Arch)
			if p.KVM {
				fmt.Fprintf(out, "KVM:       %s available\n", a.cfg.KVMDevice)
			} else {
				fmt.Fprintf(out, "KVM:       %s not found (guest runs under software emulation)\n", a.cfg.KVMDevice)
			}
			fmt.Fprintf(out, "Data dir:  %s\n", a.cfg.DataDir)
			fmt.Fprintf(out, "Images:    %s\n", a.cfg.ImagesDir)

			if err := a.cfg.Launch.Validate(); err != nil {
				fmt.Fprintf(out, "Config:    invalid\n  %s\n", strings.ReplaceAll(err.Error(), "\n", "\n  "))
			} else {
				fmt.Fprintln(out, "Config:    ok")
			}

			backend, err := a.openBackend()
			if err != nil {
				fmt.Fprintf(out, "Docker:    unavailable (%v)\n", err)
				return nil
			}
			defer backend.Close()
			ports, err := backend.PublishedPorts(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "Docker:    unreachable (%v)\n", err)
				return nil
			}
			fmt.Fprintln(out, dockerStatus(backend.Capabilities(), len(ports)))
			return nil
		},
	}
}

// dockerStatus summarises a reachable daemon. published counts host ports
// held by every running container, not only sandboxes, since any of them
// blocks allocation.
func dockerStatus(caps vmm.BackendCaps, published int) string {
	return fmt.Sprintf("Docker:    ok (%s, %d host ports published by running containers)", caps, published)
}

// lookupInstance finds a record by full ID or unique ID prefix.
func lookupInstance(db *registry.DB, id string) (*registry.Instance, error) {
	rec, err := db.GetInstance(id)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	all, err := db.ListInstances()
	if err != nil {
		return nil, err
	}
	var match *registry.Instance
	for _, inst := range all {
		if strings.HasPrefix(inst.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("instance prefix %q is ambiguous", id)
			}
			match = inst
		}
	}
	if match == nil {
		return nil, fmt.Errorf("instance %q not found", id)
	}
	return match, nil
}
