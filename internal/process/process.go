package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Stream names an output stream of the child.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Options controls where child output goes. Every line is written to the
// matching writer (when set) and then passed to OnLine.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	OnLine func(stream Stream, line string)
}

// Process is one running child. It is created by Start and is never reused.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{} // closed once cmd.Wait has returned

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Start launches spec in its own process group and begins pumping its
// output. It does not validate paths; callers run Spec.Validate first.
func Start(spec Spec, opts Options) (*Process, error) {
	cmd := spec.command()
	// The child gets plain files so Wait returns on exit even while a
	// grandchild still holds the write ends.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", spec.Executable, err)
	}
	closeAll(stdoutW, stderrW)
	p := &Process{
		spec:      spec,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	drained := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, stdoutR, Stdout, opts.Stdout, opts.OnLine)
	go pump(&wg, stderrR, Stderr, opts.Stderr, opts.OnLine)
	go func() {
		wg.Wait()
		close(drained)
	}()
	go func() {
		err := cmd.Wait()
		// Give the pumps a moment to deliver the last lines, but do not
		// wait on descendants that keep the pipes open.
		select {
		case <-drained:
		case <-time.After(drainWait):
		}
		p.mu.Lock()
		p.waitErr = err
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

const (
	drainWait = 200 * time.Millisecond
	// MaxLineBytes caps one output line; the rest of an over-long line is
	// dropped.
	MaxLineBytes = 1024 * 1024
)

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		_ = f.Close()
	}
}

func pump(wg *sync.WaitGroup, r io.ReadCloser, s Stream, w io.Writer, onLine func(Stream, string)) {
	defer wg.Done()
	defer func() { _ = r.Close() }()
	emit := func(line string) {
		if w != nil {
			_, _ = io.WriteString(w, line+"\n")
		}
		if onLine != nil {
			onLine(s, line)
		}
	}
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	for {
		frag, more, err := br.ReadLine()
		if room := MaxLineBytes - len(buf); room > 0 {
			buf = append(buf, frag[:min(len(frag), room)]...)
		}
		if err != nil {
			if len(buf) > 0 {
				emit(string(buf))
			}
			return
		}
		if more {
			continue
		}
		emit(string(buf))
		buf = buf[:0]
	}
}

// Spec returns the launch description.
func (p *Process) Spec() Spec { return p.spec }

// PID returns the OS process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// StartedAt returns the launch time.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 while running or when the process
// was ended by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err returns the error from cmd.Wait, nil for a clean exit.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ee *exec.ExitError
	if errors.As(p.waitErr, &ee) {
		return fmt.Errorf("exit status %d", ee.ExitCode())
	}
	return p.waitErr
}

// Usage is a resource sample of the process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// Usage samples CPU and memory of the process via gopsutil.
func (p *Process) Usage() (Usage, error) {
	if p.Exited() {
		return Usage{}, errors.New("process exited")
	}
	gp, err := gopsproc.NewProcess(int32(p.PID()))
	if err != nil {
		return Usage{}, fmt.Errorf("inspect pid %d: %w", p.PID(), err)
	}
	var u Usage
	if cpu, err := gp.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := gp.MemoryInfo(); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if n, err := gp.NumThreads(); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// descendants returns every live descendant pid of pid, deepest first.
func descendants(pid int32) []int32 {
	gp, err := gopsproc.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := gp.Children()
	if err != nil {
		return nil
	}
	var out []int32
	for _, c := range children {
		out = append(out, descendants(c.Pid)...)
		out = append(out, c.Pid)
	}
	return out
}

// killTree force-kills every descendant of the process and then the process.
func (p *Process) killTree() {
	for _, pid := range descendants(int32(p.PID())) {
		if gp, err := gopsproc.NewProcess(pid); err == nil {
			_ = gp.Kill()
		}
	}
	_ = p.cmd.Process.Kill()
}

// Terminate asks the process to exit, then force-kills the whole tree if it
// is still running after grace. It returns once the process has been reaped,
// or with an error if even the forced kill did not take effect in time.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := p.interrupt(); err != nil {
		return p.forceKill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	return p.forceKill()
}

const reapWait = 2 * time.Second

func (p *Process) forceKill() error {
	p.kill()
	select {
	case <-p.done:
		return nil
	case <-time.After(reapWait):
		return fmt.Errorf("pid %d did not exit after kill", p.PID())
	}
}
