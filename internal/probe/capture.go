package probe

import (
	"Flownix/internal/config"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxLineSize    = 1 << 20
	stderrTailSize = 16 << 10
	stopTimeout    = 5 * time.Second
)

// Capture runs the packet-capture subprocess and streams its stdout line by line.
type Capture struct {
	cmd    *exec.Cmd
	lines  chan string
	stderr *tailBuffer
	log    logrus.FieldLogger

	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
	waitErr  error
}

// Start launches the capture command. A relative command path containing a
// directory is resolved against the directory of the running executable.
func Start(cfg config.CaptureConfig, log logrus.FieldLogger) (*Capture, error) {
	path, err := resolveCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	log = log.WithFields(logrus.Fields{"component": "capture", "command": path})

	cmd := exec.Command(path, cfg.Args...)
	// Own process group, so that Stop also reaches helpers the tool spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open capture stdout: %w", err)
	}
	tail := newTailBuffer(stderrTailSize)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start capture '%s': %w", path, err)
	}
	log.WithField("pid", cmd.Process.Pid).Info("Capture started")

	c := &Capture{
		cmd:    cmd,
		lines:  make(chan string, 256),
		stderr: tail,
		log:    log,
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go c.run(stdout)
	return c, nil
}

// Lines returns the channel of captured lines. It is closed when the
// subprocess closes its output.
func (c *Capture) Lines() <-chan string {
	return c.lines
}

// Stderr returns the retained tail of the subprocess's standard error.
func (c *Capture) Stderr() string {
	return c.stderr.String()
}

func (c *Capture) run(stdout io.Reader) {
	r := bufio.NewReaderSize(stdout, 64<<10)
	for {
		line, tooLong, err := readLine(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.WithError(err).Warn("Capture output read failed")
			}
			break
		}
		if tooLong {
			c.log.Warnf("Skipping capture line longer than %d bytes", maxLineSize)
			continue
		}
		select {
		case c.lines <- line:
		case <-c.stop:
			// Keep draining so the subprocess never blocks on a full pipe.
		}
	}
	close(c.lines)

	c.waitErr = c.cmd.Wait()
	close(c.exited)
}

// readLine returns the next line without its terminator. A line longer than
// maxLineSize is consumed entirely and reported with tooLong set.
func readLine(r *bufio.Reader) (line string, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", false, err
		}
		if !tooLong {
			if len(buf)+len(chunk) > maxLineSize {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			return string(buf), tooLong, nil
		}
	}
}

// Stop terminates the subprocess (SIGTERM, then SIGKILL after a grace period),
// waits for it and logs its stderr. An exit caused by Stop is not an error.
func (c *Capture) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)

		stopped := false
		select {
		case <-c.exited:
		default:
			stopped = true
			c.signal(syscall.SIGTERM)
			select {
			case <-c.exited:
			case <-time.After(stopTimeout):
				c.log.Warn("Capture did not exit after SIGTERM, killing it")
				c.signal(syscall.SIGKILL)
				<-c.exited
			}
		}

		if tail := strings.TrimSpace(c.stderr.String()); tail != "" {
			c.log.WithField("stderr", tail).Info("Capture stderr")
		}

		var exitErr *exec.ExitError
		if c.waitErr != nil && !(stopped && errors.As(c.waitErr, &exitErr)) {
			err = fmt.Errorf("capture exited: %w", c.waitErr)
		}
		c.log.Info("Capture stopped")
	})
	return err
}

func (c *Capture) signal(sig syscall.Signal) {
	if err := syscall.Kill(-c.cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		c.log.WithError(err).Warnf("Failed to send %s to capture", sig)
	}
}

func resolveCommand(command string) (string, error) {
	if command == "" {
		return "", errors.New("capture command is empty")
	}
	if filepath.IsAbs(command) || !strings.ContainsRune(command, filepath.Separator) {
		return command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), command), nil
}

// tailBuffer is an io.Writer that keeps only the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
