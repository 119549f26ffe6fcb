package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// companion is a simulator process started by the session. It is given the
// game port as its only argument.
type companion struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func startCompanion(path string, port int, out io.Writer) (*companion, error) {
	cmd := exec.Command(path, strconv.Itoa(port))
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	c := &companion{cmd: cmd, done: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

func (c *companion) pid() int { return c.cmd.Process.Pid }

func (c *companion) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// wait blocks until the process exits or timeout passes, then kills it.
func (c *companion) wait(timeout time.Duration) error {
	select {
	case <-c.done:
		return c.exitErr()
	case <-time.After(timeout):
	}
	return c.kill()
}

// stop asks the process to exit and kills it if it has not within grace.
func (c *companion) stop(grace time.Duration, log *slog.Logger) {
	if c.exited() {
		return
	}
	if err := terminate(c.cmd.Process); err != nil {
		log.Debug("terminate companion", "pid", c.pid(), "error", err)
	}
	if err := c.wait(grace); err != nil {
		log.Debug("companion exited", "pid", c.pid(), "error", err)
	}
}

func (c *companion) kill() error {
	if c.exited() {
		return c.exitErr()
	}
	if err := c.cmd.Process.Kill(); err != nil && !c.exited() {
		return fmt.Errorf("kill companion %d: %w", c.pid(), err)
	}
	<-c.done
	return nil
}

// exitErr hides the expected "signal: killed" style errors.
func (c *companion) exitErr() error {
	var ee *exec.ExitError
	if errors.As(c.err, &ee) && !ee.Exited() {
		return nil
	}
	return c.err
}
