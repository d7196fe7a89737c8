// Package daemon supervises the camp-security helper as a long-lived
// child process. All state transitions are centralized here: the
// process handle is owned exclusively by the Daemon and mutated under
// one lock, so a restart can never race a concurrent token request.
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/seuriin/hokgo/internal/metrics"
	"github.com/seuriin/hokgo/internal/security"
)

// ErrUnavailable reports that the helper process could not be started
// or restarted within the retry budget.
var ErrUnavailable = errors.New("token daemon unavailable")

// State is the supervisor's view of the helper process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Token is one opaque security credential issued by the helper.
// Single-use: ownership transfers to the caller on delivery.
type Token struct {
	Value    string
	IssuedAt time.Time
}

const (
	defaultStartAttempts    = 3
	defaultStartBackoff     = 500 * time.Millisecond
	defaultHandshakeTimeout = 5 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultStopGrace        = 3 * time.Second
	restartBudget           = 3
)

// Config holds everything the daemon needs to run the helper.
type Config struct {
	// Binary is the verified helper executable. Required.
	Binary *security.HelperBinary

	// Verify re-checks the binary's digest before every spawn. When
	// nil, spawning proceeds without re-verification (tests only; the
	// client always wires the provisioner's Verify).
	Verify func(*security.HelperBinary) error

	StartAttempts    int           // spawn attempts per Start, default 3
	StartBackoff     time.Duration // first retry delay, doubles, default 500ms
	HandshakeTimeout time.Duration // wait for READY, default 5s
	RequestTimeout   time.Duration // token round trip, default 10s
	StopGrace        time.Duration // SIGTERM grace before SIGKILL, default 3s
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StartAttempts <= 0 {
		out.StartAttempts = defaultStartAttempts
	}
	if out.StartBackoff <= 0 {
		out.StartBackoff = defaultStartBackoff
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = defaultRequestTimeout
	}
	if out.StopGrace <= 0 {
		out.StopGrace = defaultStopGrace
	}
	return out
}

// proc bundles the handles of one spawned helper process.
type proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *syncBuffer
	waitCh chan error // receives cmd.Wait exactly once
}

// syncBuffer collects the child's stderr; the child writes while we
// may read it into error messages, so access is locked.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// Daemon runs and supervises the helper. Safe for concurrent use:
// token requests are serialized over the single stdio channel, and
// start/stop/restart transitions never interleave.
type Daemon struct {
	cfg Config

	// reqMu serializes round trips over the helper's stdio. Held
	// across ensureReady so a request never races a restart.
	reqMu sync.Mutex

	// mu guards state, proc, and the restart counter.
	mu       sync.Mutex
	state    State
	proc     *proc
	failures int // consecutive failed start/request cycles
}

// New returns a stopped daemon for the given verified binary.
func New(cfg Config) (*Daemon, error) {
	if cfg.Binary == nil {
		return nil, fmt.Errorf("daemon: Binary is required")
	}
	return &Daemon{cfg: cfg.withDefaults()}, nil
}

// State returns the current supervisor state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start spawns the helper and waits for its READY handshake, retrying
// with doubling backoff up to the configured attempt budget. Idempotent
// while the process is healthy.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startLocked(ctx)
}

func (d *Daemon) startLocked(ctx context.Context) error {
	if d.state == StateReady && d.proc != nil && !d.proc.exited() {
		return nil
	}
	d.killLocked()
	d.state = StateStarting

	backoff := d.cfg.StartBackoff
	var lastErr error
	for attempt := 1; attempt <= d.cfg.StartAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				d.state = StateStopped
				return ctx.Err()
			}
			backoff *= 2
		}
		if err := d.spawnLocked(ctx); err != nil {
			lastErr = err
			log.Printf("helper start attempt %d/%d failed: %v", attempt, d.cfg.StartAttempts, err)
			continue
		}
		d.state = StateReady
		return nil
	}
	d.state = StateStopped
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// spawnLocked verifies the binary, launches one helper process, and
// performs the READY handshake. Caller holds mu.
func (d *Daemon) spawnLocked(ctx context.Context) error {
	if d.cfg.Verify != nil {
		if err := d.cfg.Verify(d.cfg.Binary); err != nil {
			return err
		}
	}

	cmd := exec.Command(d.cfg.Binary.Path, "server")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", d.cfg.Binary.Path, err)
	}

	p := &proc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		stderr: stderr,
		waitCh: make(chan error, 1),
	}
	go func() { p.waitCh <- cmd.Wait() }()

	line, err := p.readLine(ctx, d.cfg.HandshakeTimeout)
	if err != nil {
		p.kill(d.cfg.StopGrace)
		return fmt.Errorf("handshake: %w (stderr: %s)", err, trimForError(stderr.snapshot()))
	}
	if strings.TrimSpace(line) != readySignal {
		p.kill(d.cfg.StopGrace)
		return fmt.Errorf("handshake: expected %q, got %q", readySignal, strings.TrimSpace(line))
	}

	d.proc = p
	log.Printf("security helper ready (PID %d)", cmd.Process.Pid)
	return nil
}

// RequestTokens asks the helper for n token clusters and returns the
// issued tokens. Only valid while the daemon can reach Ready; if the
// process has died, a bounded number of automatic restarts is attempted
// before the call fails with ErrUnavailable.
func (d *Daemon) RequestTokens(ctx context.Context, n int) ([]Token, error) {
	if n <= 0 {
		return nil, fmt.Errorf("daemon: cluster size must be positive, got %d", n)
	}

	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	p, err := d.ensureReady(ctx)
	if err != nil {
		return nil, err
	}

	values, err := d.roundTrip(ctx, p, n)
	if err != nil {
		d.degrade(err)
		// One retry against a freshly restarted helper.
		p, rerr := d.ensureReady(ctx)
		if rerr != nil {
			return nil, rerr
		}
		values, err = d.roundTrip(ctx, p, n)
		if err != nil {
			d.degrade(err)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()

	issued := time.Now()
	tokens := make([]Token, len(values))
	for i, v := range values {
		tokens[i] = Token{Value: v, IssuedAt: issued}
	}
	return tokens, nil
}

// ensureReady returns a live process handle, restarting the helper if
// it has exited. Consecutive failures beyond the restart budget fail
// fast with ErrUnavailable until a Start succeeds.
func (d *Daemon) ensureReady(ctx context.Context) (*proc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateReady && d.proc != nil && !d.proc.exited() {
		return d.proc, nil
	}
	if d.failures >= restartBudget {
		return nil, fmt.Errorf("%w: restart budget exhausted (%d attempts)", ErrUnavailable, d.failures)
	}
	if d.state != StateStopped {
		metrics.DaemonRestarts.Inc()
	}
	if err := d.startLocked(ctx); err != nil {
		d.failures++
		return nil, err
	}
	return d.proc, nil
}

func (d *Daemon) roundTrip(ctx context.Context, p *proc, n int) ([]string, error) {
	if _, err := p.stdin.Write(clusterRequest(n)); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	line, err := p.readLine(ctx, d.cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("read response: %w (stderr: %s)", err, trimForError(p.stderr.snapshot()))
	}
	return parseTokenLine([]byte(line))
}

// degrade kills the current process and marks the daemon Degraded so
// the next request attempts a restart.
func (d *Daemon) degrade(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	log.Printf("helper communication failed, will restart: %v", cause)
	d.killLocked()
	d.state = StateDegraded
	d.failures++
}

// Stop terminates the helper gracefully, force-killing after the grace
// period. Always leaves the daemon Stopped with the handle released.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killLocked()
	d.state = StateStopped
	d.failures = 0
}

// killLocked releases the current process, if any. Caller holds mu.
func (d *Daemon) killLocked() {
	if d.proc == nil {
		return
	}
	d.proc.kill(d.cfg.StopGrace)
	d.proc = nil
}

func (p *proc) exited() bool {
	select {
	case err := <-p.waitCh:
		// Re-arm so kill's wait still completes.
		p.waitCh <- err
		return true
	default:
		return false
	}
}

// kill asks the process to exit with SIGTERM, waits out the grace
// period, then sends SIGKILL. Safe to call after the process exited.
func (p *proc) kill(grace time.Duration) {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case err := <-p.waitCh:
		p.waitCh <- err
		return
	case <-time.After(grace):
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	err := <-p.waitCh
	p.waitCh <- err
}

// readLine reads one line from the helper's stdout, bounded by timeout
// and ctx. On timeout the caller is expected to kill the process, which
// unblocks the pending read.
func (p *proc) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.stdout.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		return r.line, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
