package netrepair

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xfeldman/deskvm/internal/guest"
	"github.com/xfeldman/deskvm/internal/logging"
)

type recordingExec struct {
	mu       sync.Mutex
	commands []string
	respond  func(cmd string) (*guest.ExecResult, error)
}

func (r *recordingExec) Execute(ctx context.Context, cmd string) (*guest.ExecResult, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	if r.respond != nil {
		return r.respond(cmd)
	}
	return &guest.ExecResult{Status: "success"}, nil
}

func fastOptions() Options {
	o := DefaultOptions()
	o.StandardPause = 0
	o.EmergencyPause = 0
	return o
}

func TestStandardRunsStepsInOrder(t *testing.T) {
	ex := &recordingExec{}
	e := NewEngine(ex, fastOptions(), logging.Discard())

	if !e.Standard(context.Background()) {
		t.Fatal("Standard = false, want true")
	}
	want := []string{
		"sudo systemctl restart NetworkManager",
		"sudo systemctl flush-dns || true",
		"sudo systemd-resolve --flush-caches || true",
		"printf 'nameserver %s\\n' 8.8.8.8 8.8.4.4 1.1.1.1 | sudo tee /etc/resolv.conf",
		"sudo dhclient -r && sudo dhclient || true",
	}
	if len(ex.commands) != len(want) {
		t.Fatalf("ran %d commands, want %d: %q", len(ex.commands), len(want), ex.commands)
	}
	for i := range want {
		if ex.commands[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, ex.commands[i], want[i])
		}
	}
}

func TestEmergencyRunsStepsInOrder(t *testing.T) {
	ex := &recordingExec{}
	e := NewEngine(ex, fastOptions(), logging.Discard())

	if !e.Emergency(context.Background()) {
		t.Fatal("Emergency = false, want true")
	}
	want := []string{
		"sudo systemctl stop NetworkManager",
		"sudo ip addr flush dev eth0 || true",
		"sudo ip addr add 10.0.2.15/24 dev eth0 || true",
		"sudo ip route add default via 10.0.2.2 || true",
		"printf 'nameserver %s\\n' 8.8.8.8 8.8.4.4 | sudo tee /etc/resolv.conf",
		"sudo systemctl start NetworkManager",
	}
	if strings.Join(ex.commands, "\n") != strings.Join(want, "\n") {
		t.Errorf("commands =\n%s\nwant\n%s", strings.Join(ex.commands, "\n"), strings.Join(want, "\n"))
	}
}

func TestFailingStepsAreTolerated(t *testing.T) {
	ex := &recordingExec{respond: func(cmd string) (*guest.ExecResult, error) {
		switch {
		case strings.Contains(cmd, "restart NetworkManager"):
			return nil, errors.New("connection reset by peer")
		case strings.Contains(cmd, "dhclient"):
			return &guest.ExecResult{Status: "error", ReturnCode: 1, Error: "dhclient: not found"}, nil
		}
		return &guest.ExecResult{Status: "success"}, nil
	}}
	e := NewEngine(ex, fastOptions(), logging.Discard())

	rep := e.Run(context.Background(), StandardProcedure(fastOptions()))
	if !rep.Completed {
		t.Fatal("Completed = false despite only step failures")
	}
	if len(rep.Steps) != 5 {
		t.Fatalf("dispatched %d steps, want 5", len(rep.Steps))
	}
	failed := rep.Failed()
	if len(failed) != 2 {
		t.Fatalf("failed = %d, want 2", len(failed))
	}
	if failed[0].Err == nil {
		t.Error("transport failure not recorded")
	}
	if failed[1].Output != "dhclient: not found" {
		t.Errorf("failure output = %q", failed[1].Output)
	}
}

func TestCancelledContextStopsSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := &recordingExec{respond: func(cmd string) (*guest.ExecResult, error) {
		cancel()
		return &guest.ExecResult{Status: "success"}, nil
	}}
	e := NewEngine(ex, fastOptions(), logging.Discard())

	if e.Standard(ctx) {
		t.Fatal("Standard = true after cancellation")
	}
	if len(ex.commands) != 1 {
		t.Errorf("ran %d commands after cancellation, want 1", len(ex.commands))
	}
}

func TestPauseInterruptedByContext(t *testing.T) {
	o := DefaultOptions()
	o.StandardPause = time.Hour
	e := NewEngine(&recordingExec{}, o, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if e.Standard(ctx) {
		t.Fatal("Standard = true although the pause was cut short")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("pause ignored the context")
	}
}

func TestStepsCarryTimeout(t *testing.T) {
	var deadline time.Time
	ex := &recordingExec{}
	e := NewEngine(executorFunc(func(ctx context.Context, cmd string) (*guest.ExecResult, error) {
		deadline, _ = ctx.Deadline()
		return ex.Execute(ctx, cmd)
	}), fastOptions(), logging.Discard())

	e.Run(context.Background(), Procedure{Name: "one", Steps: []Step{{"noop", "true"}}})
	if deadline.IsZero() || time.Until(deadline) > StepTimeout {
		t.Errorf("step deadline = %v, want within %v", deadline, StepTimeout)
	}
}

type executorFunc func(ctx context.Context, cmd string) (*guest.ExecResult, error)

func (f executorFunc) Execute(ctx context.Context, cmd string) (*guest.ExecResult, error) {
	return f(ctx, cmd)
}
