// Package netrepair restores guest networking by running an ordered list of
// shell commands through the guest command channel.
//
// Two procedures exist. Standard restarts the network manager, flushes DNS
// caches, rewrites the resolver and renews the DHCP lease. Emergency drops
// the network manager, configures a static address on the QEMU user-mode
// network and brings the manager back.
//
// Step failures are logged and skipped; a procedure always runs to the end.
// Its result says that every step was dispatched, not that the network works.
package netrepair

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xfeldman/deskvm/internal/guest"
	"github.com/xfeldman/deskvm/internal/logging"
)

// StepTimeout bounds each repair command.
const StepTimeout = 30 * time.Second

// Executor runs one shell command in the guest.
type Executor interface {
	Execute(ctx context.Context, command string) (*guest.ExecResult, error)
}

// Step is one repair command.
type Step struct {
	Name    string
	Command string
}

// Procedure is an ordered repair sequence followed by a pause that lets the
// guest network settle.
type Procedure struct {
	Name  string
	Steps []Step
	Pause time.Duration
}

// StepResult is the outcome of one dispatched step.
type StepResult struct {
	Step      Step
	Succeeded bool
	Output    string
	Err       error
	Elapsed   time.Duration
}

// Report describes one procedure run.
type Report struct {
	Procedure string
	Steps     []StepResult
	// Completed is false only when the context ended before every step
	// was dispatched and the pause elapsed.
	Completed bool
}

// Failed returns the steps that did not succeed.
func (r Report) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if !s.Succeeded {
			out = append(out, s)
		}
	}
	return out
}

// Options tunes the repair procedures.
type Options struct {
	// DNSServers is written to /etc/resolv.conf by the standard procedure;
	// the emergency procedure uses the first two.
	DNSServers []string

	// Interface, Address and Gateway describe the static fallback used by
	// the emergency procedure.
	Interface string
	Address   string
	Gateway   string

	StandardPause  time.Duration
	EmergencyPause time.Duration
}

// DefaultOptions matches the QEMU user-mode network inside the sandbox.
func DefaultOptions() Options {
	return Options{
		DNSServers:     []string{"8.8.8.8", "8.8.4.4", "1.1.1.1"},
		Interface:      "eth0",
		Address:        "10.0.2.15/24",
		Gateway:        "10.0.2.2",
		StandardPause:  5 * time.Second,
		EmergencyPause: 10 * time.Second,
	}
}

// StandardProcedure returns the first-line repair sequence.
func StandardProcedure(o Options) Procedure {
	return Procedure{
		Name: "standard",
		Steps: []Step{
			{"restart network manager", "sudo systemctl restart NetworkManager"},
			{"flush dns", "sudo systemctl flush-dns || true"},
			{"flush resolver caches", "sudo systemd-resolve --flush-caches || true"},
			{"rewrite resolv.conf", resolverCommand(o.DNSServers)},
			{"renew dhcp lease", "sudo dhclient -r && sudo dhclient || true"},
		},
		Pause: o.StandardPause,
	}
}

// EmergencyProcedure returns the last-resort static configuration sequence.
func EmergencyProcedure(o Options) Procedure {
	dns := o.DNSServers
	if len(dns) > 2 {
		dns = dns[:2]
	}
	return Procedure{
		Name: "emergency",
		Steps: []Step{
			{"stop network manager", "sudo systemctl stop NetworkManager"},
			{"flush addresses", fmt.Sprintf("sudo ip addr flush dev %s || true", o.Interface)},
			{"add static address", fmt.Sprintf("sudo ip addr add %s dev %s || true", o.Address, o.Interface)},
			{"add default route", fmt.Sprintf("sudo ip route add default via %s || true", o.Gateway)},
			{"rewrite resolv.conf", resolverCommand(dns)},
			{"start network manager", "sudo systemctl start NetworkManager"},
		},
		Pause: o.EmergencyPause,
	}
}

func resolverCommand(servers []string) string {
	return fmt.Sprintf("printf 'nameserver %%s\\n' %s | sudo tee /etc/resolv.conf", strings.Join(servers, " "))
}

// Engine runs repair procedures against one guest.
type Engine struct {
	exec      Executor
	standard  Procedure
	emergency Procedure
	logger    *slog.Logger
}

// NewEngine returns an engine for the guest behind exec.
func NewEngine(exec Executor, o Options, logger *slog.Logger) *Engine {
	return &Engine{
		exec:      exec,
		standard:  StandardProcedure(o),
		emergency: EmergencyProcedure(o),
		logger:    logging.Ensure(logger).With("component", "netrepair"),
	}
}

// Standard runs the standard procedure and reports whether it was fully dispatched.
func (e *Engine) Standard(ctx context.Context) bool {
	return e.Run(ctx, e.standard).Completed
}

// Emergency runs the emergency procedure and reports whether it was fully dispatched.
func (e *Engine) Emergency(ctx context.Context) bool {
	return e.Run(ctx, e.emergency).Completed
}

// Run dispatches every step of p in order, then waits p.Pause.
func (e *Engine) Run(ctx context.Context, p Procedure) Report {
	log := e.logger.With("procedure", p.Name)
	log.Info("network repair started", "steps", len(p.Steps))
	rep := Report{Procedure: p.Name}

	for i, s := range p.Steps {
		if ctx.Err() != nil {
			log.Warn("network repair interrupted", "step", i+1, "error", ctx.Err())
			return rep
		}
		r := e.runStep(ctx, s)
		rep.Steps = append(rep.Steps, r)

		attrs := []any{"step", i + 1, "name", s.Name, "elapsed", r.Elapsed.Round(time.Millisecond)}
		switch {
		case r.Err != nil:
			log.Warn("repair step failed", append(attrs, "error", r.Err)...)
		case !r.Succeeded:
			log.Warn("repair step returned failure", append(attrs, "output", r.Output)...)
		default:
			log.Debug("repair step done", attrs...)
		}
	}

	if p.Pause > 0 {
		t := time.NewTimer(p.Pause)
		defer t.Stop()
		select {
		case <-ctx.Done():
			log.Warn("network repair interrupted during pause", "error", ctx.Err())
			return rep
		case <-t.C:
		}
	}

	rep.Completed = true
	log.Info("network repair finished", "failed_steps", len(rep.Failed()))
	return rep
}

func (e *Engine) runStep(ctx context.Context, s Step) StepResult {
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.exec.Execute(ctx, s.Command)
	r := StepResult{Step: s, Err: err, Elapsed: time.Since(start)}
	if err == nil {
		r.Succeeded = res.Succeeded()
		r.Output = strings.TrimSpace(res.Output)
		if !r.Succeeded && res.Error != "" {
			r.Output = strings.TrimSpace(res.Error)
		}
	}
	return r
}
