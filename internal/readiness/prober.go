// Package readiness decides when a freshly launched sandbox is usable.
//
// Phase 1 polls the guest control API until it answers (60% of the budget).
// Missing it is fatal. After a settle delay a standard network repair runs
// once, then phase 2 polls guest connectivity for the remaining 40%. If
// that also runs out, one emergency repair and one last check decide between
// NetworkReady and NetworkDegraded. A degraded sandbox is still returned;
// only phase 1 can fail.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xfeldman/deskvm/internal/guest"
	"github.com/xfeldman/deskvm/internal/logging"
)

// ErrServiceTimeout is returned when the guest control API never came up.
var ErrServiceTimeout = errors.New("guest service did not become ready")

// State is the readiness of one sandbox. It only moves forward.
type State int

const (
	NotStarted State = iota
	ServiceReady
	NetworkReady
	NetworkDegraded
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case ServiceReady:
		return "service_ready"
	case NetworkReady:
		return "network_ready"
	case NetworkDegraded:
		return "network_degraded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st := NotStarted; st <= Failed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return NotStarted, fmt.Errorf("unknown readiness state %q", s)
}

// Usable reports whether the sandbox can be handed to a caller.
func (s State) Usable() bool {
	return s == NetworkReady || s == NetworkDegraded
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	switch from {
	case NotStarted:
		return to == ServiceReady || to == Failed
	case ServiceReady:
		return to == NetworkReady || to == NetworkDegraded || to == Failed
	}
	return false
}

// Guest is the part of the guest control API the prober needs.
type Guest interface {
	Alive(ctx context.Context) error
	Execute(ctx context.Context, command string) (*guest.ExecResult, error)
}

// Repairer runs network repair procedures. Both return whether every step
// was dispatched.
type Repairer interface {
	Standard(ctx context.Context) bool
	Emergency(ctx context.Context) bool
}

// Connectivity probe commands and their timeouts.
const (
	PingCommand     = "ping -c 1 -W 3 8.8.8.8"
	HTTPCommand     = "curl -s --connect-timeout 10 --max-time 15 -o /dev/null -w '%{http_code}' http://www.baidu.com"
	PingTimeout     = 15 * time.Second
	HTTPTimeout     = 20 * time.Second
	ExpectedHTTPOut = "200"
)

// Config holds the probe timing.
type Config struct {
	Timeout             time.Duration
	ServicePollInterval time.Duration
	NetworkSettle       time.Duration
	NetworkPollInterval time.Duration
	EmergencySettle     time.Duration
}

// serviceShare is the fraction of Timeout given to phase 1.
const serviceShare = 0.6

// Prober runs the readiness protocol once.
type Prober struct {
	guest  Guest
	repair Repairer
	cfg    Config
	logger *slog.Logger

	// OnTransition, when set, is called after every state change.
	OnTransition func(State)

	mu    sync.Mutex
	state State
	ran   bool
}

// NewProber returns a prober for one sandbox.
func NewProber(g Guest, r Repairer, cfg Config, logger *slog.Logger) *Prober {
	return &Prober{
		guest:  g,
		repair: r,
		cfg:    cfg,
		logger: logging.Ensure(logger).With("component", "readiness"),
	}
}

// State returns the current readiness state.
func (p *Prober) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// advance moves to s if the transition is legal and reports whether it did.
func (p *Prober) advance(s State) bool {
	p.mu.Lock()
	if !CanTransition(p.state, s) {
		from := p.state
		p.mu.Unlock()
		p.logger.Warn("rejected readiness regression", "from", from, "to", s)
		return false
	}
	p.state = s
	cb := p.OnTransition
	p.mu.Unlock()

	if cb != nil {
		cb(s)
	}
	return true
}

// Run executes the protocol and returns the final state. The error is
// ErrServiceTimeout when phase 1 ran out, or the context error if ctx ended
// first. Network trouble is never an error.
func (p *Prober) Run(ctx context.Context) (State, error) {
	p.mu.Lock()
	if p.ran {
		p.mu.Unlock()
		return p.State(), errors.New("prober already ran")
	}
	p.ran = true
	p.mu.Unlock()

	serviceBudget := time.Duration(float64(p.cfg.Timeout) * serviceShare)
	networkBudget := p.cfg.Timeout - serviceBudget

	start := time.Now()
	if err := p.waitService(ctx, serviceBudget); err != nil {
		p.advance(Failed)
		return Failed, err
	}
	p.advance(ServiceReady)
	p.logger.Info("guest service ready", "elapsed", time.Since(start).Round(time.Millisecond))

	if err := sleep(ctx, p.cfg.NetworkSettle); err != nil {
		return p.State(), err
	}

	// Standard repair runs once before the first connectivity probe.
	p.repair.Standard(ctx)

	if p.waitNetwork(ctx, networkBudget) {
		p.advance(NetworkReady)
		p.logger.Info("guest network ready", "elapsed", time.Since(start).Round(time.Millisecond))
		return NetworkReady, nil
	}
	if err := ctx.Err(); err != nil {
		return p.State(), err
	}

	p.logger.Warn("guest network not ready, running emergency repair")
	p.repair.Emergency(ctx)
	if err := sleep(ctx, p.cfg.EmergencySettle); err != nil {
		return p.State(), err
	}

	if p.checkNetwork(ctx) {
		p.advance(NetworkReady)
		p.logger.Info("guest network ready after emergency repair", "elapsed", time.Since(start).Round(time.Millisecond))
		return NetworkReady, nil
	}

	p.advance(NetworkDegraded)
	p.logger.Warn("guest network degraded, continuing without connectivity", "elapsed", time.Since(start).Round(time.Millisecond))
	return NetworkDegraded, nil
}

func (p *Prober) waitService(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	attempts := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %v (%d probes)", ErrServiceTimeout, budget, attempts)
		}

		attempts++
		probeCtx, cancel := context.WithTimeout(ctx, min(remaining, guest.AliveTimeout))
		err := p.guest.Alive(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Debug("guest service not ready", "attempt", attempts, "error", err)

		if err := sleep(ctx, min(p.cfg.ServicePollInterval, time.Until(deadline))); err != nil {
			return err
		}
	}
}

func (p *Prober) waitNetwork(ctx context.Context, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for attempt := 1; time.Now().Before(deadline); attempt++ {
		if p.checkNetwork(ctx) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		p.logger.Debug("guest network not ready", "attempt", attempt)
		if err := sleep(ctx, min(p.cfg.NetworkPollInterval, time.Until(deadline))); err != nil {
			return false
		}
	}
	return false
}

// checkNetwork pings a public address, then fetches a public page over
// HTTP. Both must succeed.
func (p *Prober) checkNetwork(ctx context.Context) bool {
	res, err := p.exec(ctx, PingCommand, PingTimeout)
	if err != nil {
		p.logger.Debug("ping probe failed", "error", err)
		return false
	}
	if !res.Succeeded() {
		p.logger.Debug("ping probe unsuccessful", "returncode", res.ReturnCode, "output", strings.TrimSpace(res.Output))
		return false
	}

	res, err = p.exec(ctx, HTTPCommand, HTTPTimeout)
	if err != nil {
		p.logger.Debug("http probe failed", "error", err)
		return false
	}
	if out := strings.TrimSpace(res.Output); !res.Succeeded() || out != ExpectedHTTPOut {
		p.logger.Debug("http probe unsuccessful", "returncode", res.ReturnCode, "output", out)
		return false
	}
	return true
}

func (p *Prober) exec(ctx context.Context, cmd string, timeout time.Duration) (*guest.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.guest.Execute(ctx, cmd)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
