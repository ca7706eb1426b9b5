package readiness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xfeldman/deskvm/internal/guest"
	"github.com/xfeldman/deskvm/internal/logging"
)

// fakeGuest answers Alive after aliveAfter failed polls and reports network
// connectivity according to netOK. pingRes and httpRes, when set, replace
// the canned command results.
type fakeGuest struct {
	aliveAfter int // -1 = never
	aliveCalls atomic.Int32

	mu       sync.Mutex
	netOK    func(call int) bool
	netCalls int
	httpOut  string
	pingRes  *guest.ExecResult
	httpRes  *guest.ExecResult
}

func (g *fakeGuest) Alive(ctx context.Context) error {
	n := int(g.aliveCalls.Add(1))
	if g.aliveAfter >= 0 && n > g.aliveAfter {
		return nil
	}
	return errors.New("connection refused")
}

func (g *fakeGuest) Execute(ctx context.Context, cmd string) (*guest.ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("command sent without a deadline")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch cmd {
	case PingCommand:
		g.netCalls++
		if g.pingRes != nil {
			return g.pingRes, nil
		}
		if g.netOK != nil && g.netOK(g.netCalls) {
			return &guest.ExecResult{Status: "success"}, nil
		}
		return &guest.ExecResult{Status: "success", ReturnCode: 1, Output: "100% packet loss"}, nil
	case HTTPCommand:
		if g.httpRes != nil {
			return g.httpRes, nil
		}
		out := g.httpOut
		if out == "" {
			out = "200"
		}
		return &guest.ExecResult{Status: "success", Output: out + "\n"}, nil
	}
	return nil, errors.New("unexpected command " + cmd)
}

func (g *fakeGuest) pings() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.netCalls
}

type countingRepairer struct {
	standard, emergency atomic.Int32
	onEmergency         func()
}

func (r *countingRepairer) Standard(context.Context) bool {
	r.standard.Add(1)
	return true
}

func (r *countingRepairer) Emergency(context.Context) bool {
	r.emergency.Add(1)
	if r.onEmergency != nil {
		r.onEmergency()
	}
	return true
}

func fastConfig(timeout time.Duration) Config {
	return Config{
		Timeout:             timeout,
		ServicePollInterval: 5 * time.Millisecond,
		NetworkSettle:       time.Millisecond,
		NetworkPollInterval: 5 * time.Millisecond,
		EmergencySettle:     time.Millisecond,
	}
}

func TestRunReadyAfterTwoPolls(t *testing.T) {
	g := &fakeGuest{aliveAfter: 2, netOK: func(int) bool { return true }}
	r := &countingRepairer{}
	p := NewProber(g, r, fastConfig(2*time.Second), logging.Discard())

	var seen []State
	p.OnTransition = func(s State) { seen = append(seen, s) }

	st, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st != NetworkReady || p.State() != NetworkReady {
		t.Fatalf("state = %v, want NetworkReady", st)
	}
	if got := g.aliveCalls.Load(); got != 3 {
		t.Errorf("liveness probes = %d, want 3", got)
	}
	if r.standard.Load() != 1 || r.emergency.Load() != 0 {
		t.Errorf("repairs standard=%d emergency=%d, want 1/0", r.standard.Load(), r.emergency.Load())
	}
	if len(seen) != 2 || seen[0] != ServiceReady || seen[1] != NetworkReady {
		t.Errorf("transitions = %v", seen)
	}
}

func TestRunServiceTimeout(t *testing.T) {
	g := &fakeGuest{aliveAfter: -1}
	r := &countingRepairer{}
	timeout := 200 * time.Millisecond
	p := NewProber(g, r, fastConfig(timeout), logging.Discard())

	start := time.Now()
	st, err := p.Run(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrServiceTimeout) {
		t.Fatalf("err = %v, want ErrServiceTimeout", err)
	}
	if st != Failed || p.State() != Failed {
		t.Errorf("state = %v, want Failed", st)
	}
	budget := time.Duration(float64(timeout) * 0.6)
	if elapsed < budget || elapsed > budget+500*time.Millisecond {
		t.Errorf("gave up after %v, want about %v", elapsed, budget)
	}
	if g.pings() != 0 {
		t.Errorf("phase 2 probed %d times after a phase 1 failure", g.pings())
	}
	if r.standard.Load() != 0 || r.emergency.Load() != 0 {
		t.Error("repair ran after a phase 1 failure")
	}
}

func TestRunDegraded(t *testing.T) {
	g := &fakeGuest{aliveAfter: 0}
	r := &countingRepairer{}
	p := NewProber(g, r, fastConfig(200*time.Millisecond), logging.Discard())

	st, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st != NetworkDegraded {
		t.Fatalf("state = %v, want NetworkDegraded", st)
	}
	if r.standard.Load() != 1 || r.emergency.Load() != 1 {
		t.Errorf("repairs standard=%d emergency=%d, want 1/1", r.standard.Load(), r.emergency.Load())
	}
}

func TestRunRecoversAfterEmergency(t *testing.T) {
	g := &fakeGuest{aliveAfter: 0}
	fixed := atomic.Bool{}
	g.netOK = func(int) bool { return fixed.Load() }
	r := &countingRepairer{onEmergency: func() { fixed.Store(true) }}
	p := NewProber(g, r, fastConfig(200*time.Millisecond), logging.Discard())

	st, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st != NetworkReady {
		t.Errorf("state = %v, want NetworkReady", st)
	}
}

func TestHTTPCheckMustReturn200(t *testing.T) {
	g := &fakeGuest{aliveAfter: 0, netOK: func(int) bool { return true }, httpOut: "000"}
	r := &countingRepairer{}
	p := NewProber(g, r, fastConfig(150*time.Millisecond), logging.Discard())

	st, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st != NetworkDegraded {
		t.Errorf("state = %v, want NetworkDegraded when HTTP answers 000", st)
	}
}

func TestNetworkCheckRequiresCleanResults(t *testing.T) {
	tests := []struct {
		name string
		ping *guest.ExecResult
		http *guest.ExecResult
		want State
	}{
		{
			name: "ping agent error",
			ping: &guest.ExecResult{Status: "error", ReturnCode: 0},
			want: NetworkDegraded,
		},
		{
			name: "curl timed out after printing 200",
			ping: &guest.ExecResult{Status: "success"},
			http: &guest.ExecResult{Status: "success", ReturnCode: 28, Output: "200"},
			want: NetworkDegraded,
		},
		{
			name: "curl agent error",
			ping: &guest.ExecResult{Status: "success"},
			http: &guest.ExecResult{Status: "error", Output: "200"},
			want: NetworkDegraded,
		},
		{
			name: "both clean",
			ping: &guest.ExecResult{Status: "success"},
			http: &guest.ExecResult{Status: "success", Output: "200\n"},
			want: NetworkReady,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGuest{aliveAfter: 0, pingRes: tt.ping, httpRes: tt.http}
			p := NewProber(g, &countingRepairer{}, fastConfig(150*time.Millisecond), logging.Discard())

			st, err := p.Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if st != tt.want {
				t.Errorf("state = %v, want %v", st, tt.want)
			}
		})
	}
}

func TestStateUsable(t *testing.T) {
	tests := []struct {
		s      State
		usable bool
	}{
		{NotStarted, false},
		{ServiceReady, false},
		{NetworkReady, true},
		{NetworkDegraded, true},
		{Failed, false},
	}
	for _, tt := range tests {
		if got := tt.s.Usable(); got != tt.usable {
			t.Errorf("%v.Usable() = %v, want %v", tt.s, got, tt.usable)
		}
	}
}

func TestNetworkReadyOnLaterAttempt(t *testing.T) {
	g := &fakeGuest{aliveAfter: 0, netOK: func(call int) bool { return call >= 3 }}
	r := &countingRepairer{}
	p := NewProber(g, r, fastConfig(2*time.Second), logging.Discard())

	st, err := p.Run(context.Background())
	if err != nil || st != NetworkReady {
		t.Fatalf("Run = %v, %v; want NetworkReady", st, err)
	}
	if g.pings() != 3 {
		t.Errorf("pings = %d, want 3", g.pings())
	}
	if r.emergency.Load() != 0 {
		t.Error("emergency repair ran although phase 2 succeeded")
	}
}

func TestStateNeverRegresses(t *testing.T) {
	g := &fakeGuest{aliveAfter: 0, netOK: func(int) bool { return true }}
	p := NewProber(g, &countingRepairer{}, fastConfig(time.Second), logging.Discard())

	if st, _ := p.Run(context.Background()); st != NetworkReady {
		t.Fatalf("state = %v", st)
	}
	for _, s := range []State{NotStarted, ServiceReady, NetworkDegraded, Failed} {
		if p.advance(s) {
			t.Errorf("advanced from NetworkReady to %v", s)
		}
	}
	if p.State() != NetworkReady {
		t.Errorf("state = %v after rejected transitions", p.State())
	}
	if _, err := p.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestCanTransition(t *testing.T) {
	legal := map[[2]State]bool{
		{NotStarted, ServiceReady}:      true,
		{NotStarted, Failed}:            true,
		{ServiceReady, NetworkReady}:    true,
		{ServiceReady, NetworkDegraded}: true,
		{ServiceReady, Failed}:          true,
	}
	for from := NotStarted; from <= Failed; from++ {
		for to := NotStarted; to <= Failed; to++ {
			if got := CanTransition(from, to); got != legal[[2]State{from, to}] {
				t.Errorf("CanTransition(%v, %v) = %v", from, to, got)
			}
		}
	}
}

func TestParseState(t *testing.T) {
	for s := NotStarted; s <= Failed; s++ {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseState("bogus"); err == nil {
		t.Error("ParseState(bogus) should fail")
	}
}

func TestRunCancelled(t *testing.T) {
	g := &fakeGuest{aliveAfter: -1}
	p := NewProber(g, &countingRepairer{}, fastConfig(time.Hour), logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	st, err := p.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if st != Failed {
		t.Errorf("state = %v, want Failed", st)
	}
}
