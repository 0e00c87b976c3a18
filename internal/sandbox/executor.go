// Package sandbox implements the exec sandbox (spec §4.6): it launches a
// command under an OS isolation profile, streams output with backpressure,
// and enforces timeouts and cancellation.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultOutputCeiling is the aggregated-output cap per stream
// (spec §4.6 "aggregated output is capped at the configured ceiling per
// stream and truncated with an explicit marker").
const DefaultOutputCeiling = 1 << 20 // 1 MiB

// Failure kinds (spec §4.6 "Failure modes").
var (
	ErrSandboxDenied = errors.New("sandbox denied")
	ErrTimeout       = errors.New("exec timeout")
	ErrCancelled     = errors.New("exec cancelled")
	ErrSpawn         = errors.New("exec spawn failure")
)

// Request is one exec invocation.
type Request struct {
	Argv    []string
	Cwd     string
	Env     []string
	Timeout time.Duration
	Profile Profile
	PTY     bool
	// WindowResize, if non-nil, is read for PTY size changes for the
	// lifetime of the exec (spec §4.6 "forwards window-size changes").
	WindowResize <-chan WindowSize
}

type WindowSize struct{ Rows, Cols uint16 }

// OutputChunk is one slice of streamed output (spec §4.6's streaming
// channel of (stream_id, bytes) tuples).
type OutputChunk struct {
	Stream string // "stdout" | "stderr" | "pty"
	Data   []byte
}

// Result is the terminal outcome of one exec (spec §4.6).
type Result struct {
	ExitCode         *int
	ExitSignal       string
	AggregatedStdout string
	AggregatedStderr string
	Truncated        bool
	WallTime         time.Duration
	PeakRSSBytes     uint64
	ProcessID        int
}

// Executor runs commands under the profile resolved by the approval engine.
type Executor struct {
	OutputCeiling int
}

func NewExecutor() *Executor {
	return &Executor{OutputCeiling: DefaultOutputCeiling}
}

// Run executes req and returns the aggregated result plus a channel of
// streamed output chunks that is closed when the process exits. The
// channel always drains fully before Run returns an error so callers never
// leak a goroutine waiting on it.
func (e *Executor) Run(ctx context.Context, req Request) (Result, <-chan OutputChunk, error) {
	ceiling := e.OutputCeiling
	if ceiling <= 0 {
		ceiling = DefaultOutputCeiling
	}
	if req.Profile.Mode == ModeExternalSandbox {
		req = wrapExternalSandbox(req)
	}
	if len(req.Argv) == 0 {
		return Result{}, nil, fmt.Errorf("%w: empty argv", ErrSpawn)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	bufs := newOutputCeilingBuffers(ceiling)
	chunks := make(chan OutputChunk, 64)
	var wg sync.WaitGroup

	start := time.Now()
	var ptyFile *os.File
	var err error

	if req.PTY {
		ptyFile, err = pty.Start(cmd)
		if err != nil {
			return Result{}, nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			streamToChannel(ptyFile, "pty", bufs.Stdout(), chunks)
		}()
		if req.WindowResize != nil {
			go forwardResize(execCtx, ptyFile, req.WindowResize)
		}
	} else {
		stdout, perr := cmd.StdoutPipe()
		if perr != nil {
			return Result{}, nil, fmt.Errorf("%w: %v", ErrSpawn, perr)
		}
		stderr, perr := cmd.StderrPipe()
		if perr != nil {
			return Result{}, nil, fmt.Errorf("%w: %v", ErrSpawn, perr)
		}
		if err := cmd.Start(); err != nil {
			return Result{}, nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			streamToChannel(stdout, "stdout", bufs.Stdout(), chunks)
		}()
		go func() {
			defer wg.Done()
			streamToChannel(stderr, "stderr", bufs.Stderr(), chunks)
		}()
	}

	peakRSS := monitorPeakRSS(execCtx, cmd.Process.Pid)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	select {
	case werr := <-waitErr:
		runErr = werr
	case <-execCtx.Done():
		killProcessGroup(cmd.Process.Pid)
		<-waitErr
		if ctx.Err() != nil {
			runErr = ErrCancelled
		} else {
			runErr = ErrTimeout
		}
	}

	if ptyFile != nil {
		_ = ptyFile.Close()
	}
	wg.Wait()
	close(chunks)

	res := Result{
		AggregatedStdout: bufs.StdoutString(),
		AggregatedStderr: bufs.StderrString(),
		Truncated:        bufs.Truncated(),
		WallTime:         time.Since(start),
		PeakRSSBytes:     peakRSS(),
		ProcessID:        cmd.Process.Pid,
	}
	if res.Truncated {
		marker := fmt.Sprintf("\n[output truncated at %s]\n", humanize.Bytes(uint64(ceiling)))
		res.AggregatedStdout += marker
	}

	switch {
	case errors.Is(runErr, ErrTimeout):
		return res, chunks, ErrTimeout
	case errors.Is(runErr, ErrCancelled):
		return res, chunks, ErrCancelled
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			res.ExitCode = &code
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				res.ExitSignal = ws.Signal().String()
			}
			return res, chunks, nil
		}
		return res, chunks, fmt.Errorf("%w: %v", ErrSpawn, runErr)
	default:
		code := 0
		res.ExitCode = &code
		return res, chunks, nil
	}
}

func streamToChannel(r io.Reader, stream string, buf io.Writer, out chan<- OutputChunk) {
	tmp := make([]byte, 32*1024)
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, tmp[:n])
			_, _ = buf.Write(chunk)
			select {
			case out <- OutputChunk{Stream: stream, Data: chunk}:
			default:
				// Backpressure: drop the live chunk if the subscriber is
				// behind. Aggregated output (buf) never loses data up to
				// the ceiling; only the live tail is best-effort.
			}
		}
		if err != nil {
			return
		}
	}
}

func forwardResize(ctx context.Context, f *os.File, sizes <-chan WindowSize) {
	for {
		select {
		case <-ctx.Done():
			return
		case sz, ok := <-sizes:
			if !ok {
				return
			}
			_ = pty.Setsize(f, &pty.Winsize{Rows: sz.Rows, Cols: sz.Cols})
		}
	}
}

// killProcessGroup sends SIGTERM to the whole process group, waits a grace
// interval, then SIGKILL (spec §4.6 "Cancellation"). Process groups keep
// the signal from leaking to unrelated processes (spec §5).
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	grace := 2 * time.Second
	done := make(chan struct{})
	go func() {
		// Best-effort poll: signal 0 fails once the group is gone.
		for {
			if err := syscall.Kill(-pid, 0); err != nil {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// monitorPeakRSS polls gopsutil for the child's resident set size while it
// runs and returns an accessor for the peak sample observed (spec's
// domain-stack wiring for sandbox resource-accounting diagnostics).
func monitorPeakRSS(ctx context.Context, pid int) func() uint64 {
	var mu sync.Mutex
	var peak uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				proc, err := process.NewProcess(int32(pid))
				if err != nil {
					continue
				}
				mem, err := proc.MemoryInfo()
				if err != nil || mem == nil {
					continue
				}
				mu.Lock()
				if mem.RSS > peak {
					peak = mem.RSS
				}
				mu.Unlock()
			}
		}
	}()
	return func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		return peak
	}
}

func wrapExternalSandbox(req Request) Request {
	bin := req.Profile.ExternalSandboxBin
	if bin == "" {
		return req
	}
	req.Argv = append([]string{bin}, req.Argv...)
	return req
}

// CanonicalizeRoots resolves each root to an absolute, symlink-free path so
// the approval cache and the widened-profile composition never compare
// roots that denote the same directory but differ textually (spec §4.6
// "The engine normalizes requested paths to their canonical form").
func CanonicalizeRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		out = append(out, abs)
	}
	return out
}
