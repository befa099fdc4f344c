// Package supervisor manages the optional child process that DebugProxy
// forwards requests to, restarting it with exponential backoff when it
// exits and gating readiness until it is reachable again.
package supervisor

import (
	"context"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"debugproxy/metrics"
)

const (
	readyTimeout     = 10 * time.Second
	probeInterval    = 100 * time.Millisecond
	probeDialTimeout = 250 * time.Millisecond
	initialBackoff   = 200 * time.Millisecond
	maxBackoff       = 5 * time.Second
	readyResetAfter  = 30 * time.Second
	shutdownGrace    = 2 * time.Second
)

// Supervisor drives the Absent/Starting/Ready/Restarting/Failed state
// machine for a single managed child process. When Command is empty, the
// supervisor is permanently Absent and Ready always reports true: the
// proxy engine then treats the upstream as externally managed.
type Supervisor struct {
	Command []string
	Target  string
	Logger  *log.Logger
	Metrics *metrics.Metrics

	snapshot atomic.Value // Snapshot
	stop     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// New returns a Supervisor ready to Run. target is the host:port the child
// is expected to listen on once ready.
func New(command []string, target string, logger *log.Logger, m *metrics.Metrics) *Supervisor {
	s := &Supervisor{
		Command: command,
		Target:  target,
		Logger:  logger,
		Metrics: m,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	initial := StateStarting
	if len(command) == 0 {
		initial = StateAbsent
	}
	s.store(Snapshot{State: initial, Since: time.Now()})
	return s
}

func (s *Supervisor) store(snap Snapshot) {
	s.snapshot.Store(snap)
	if s.Metrics != nil {
		s.Metrics.SetState(snap.State.String())
	}
}

// Snapshot returns the current state without blocking.
func (s *Supervisor) Snapshot() Snapshot {
	return s.snapshot.Load().(Snapshot)
}

// Ready reports whether requests may currently be forwarded upstream.
func (s *Supervisor) Ready() bool {
	return s.Snapshot().Ready()
}

// AwaitReady blocks until Ready() is true or ctx is done, returning the
// final readiness value. It never spawns or probes directly; it simply
// polls the state Run() maintains.
func (s *Supervisor) AwaitReady(ctx context.Context) bool {
	if s.Ready() {
		return true
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if s.Ready() {
				return true
			}
		}
	}
}

// procHandle wraps a running child process together with a channel that is
// closed exactly once, when the process exits, so that multiple goroutines
// may observe the exit without racing on a shared value channel.
type procHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (s *Supervisor) spawn() (*procHandle, error) {
	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &procHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Run drives the supervisor's state machine until Stop is called. If no
// Command was configured, Run only blocks until Stop is called and the
// supervisor stays Absent throughout.
func (s *Supervisor) Run() {
	if len(s.Command) == 0 {
		<-s.stop
		s.finish()
		return
	}

	attempt := 0
	backoff := initialBackoff

	for {
		select {
		case <-s.stop:
			s.finish()
			return
		default:
		}

		attempt++
		s.store(Snapshot{State: StateStarting, Attempt: attempt, Since: time.Now()})

		proc, err := s.spawn()
		if err != nil {
			s.Logger.Printf("supervisor: failed to start upstream: %s", err)
			if !s.sleepBackoff(backoff) {
				s.finish()
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		readyAt, ready := s.waitUntilReady(proc)
		if !ready {
			s.Logger.Printf("supervisor: upstream did not become reachable within %s, restarting (attempt %d)", readyTimeout, attempt)
			s.terminate(proc)
			s.recordRestart(attempt)
			if !s.sleepBackoff(backoff) {
				s.finish()
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.store(Snapshot{State: StateReady, Attempt: attempt, Since: readyAt})
		s.Logger.Printf("supervisor: upstream ready at %s", s.Target)

		select {
		case <-proc.done:
		case <-s.stop:
			s.terminate(proc)
			s.finish()
			return
		}

		if time.Since(readyAt) >= readyResetAfter {
			attempt = 0
			backoff = initialBackoff
		}
		s.Logger.Printf("supervisor: upstream exited (%v), restarting (attempt %d)", proc.err, attempt+1)
		s.recordRestart(attempt + 1)
		if !s.sleepBackoff(backoff) {
			s.finish()
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Supervisor) recordRestart(attempt int) {
	s.store(Snapshot{State: StateRestarting, Attempt: attempt, Since: time.Now()})
	if s.Metrics != nil {
		s.Metrics.SupervisorRestarts.Inc()
	}
}

// waitUntilReady probes Target on an interval, paced by a rate limiter so
// probe cadence does not drift under load, until it answers or the child
// exits or T_ready elapses.
func (s *Supervisor) waitUntilReady(proc *procHandle) (time.Time, bool) {
	deadline := time.Now().Add(readyTimeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(probeInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return time.Time{}, false
		}

		select {
		case <-proc.done:
			return time.Time{}, false
		default:
		}

		if s.probe() {
			return time.Now(), true
		}

		if time.Now().After(deadline) {
			return time.Time{}, false
		}
	}
}

func (s *Supervisor) probe() bool {
	conn, err := net.DialTimeout("tcp", s.Target, probeDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// terminate sends a graceful termination signal and escalates to a forced
// kill if the process has not exited within the grace window.
func (s *Supervisor) terminate(proc *procHandle) {
	if proc == nil || proc.cmd.Process == nil {
		return
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-proc.done:
	case <-time.After(shutdownGrace):
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
}

func (s *Supervisor) sleepBackoff(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stop:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (s *Supervisor) finish() {
	s.store(Snapshot{State: StateAbsent, Since: time.Now(), Reason: "stopped"})
	s.once.Do(func() { close(s.stopped) })
}

// Stop signals Run to terminate its managed child (if any) and return.
// Stop blocks until Run has finished.
func (s *Supervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.stopped
}
