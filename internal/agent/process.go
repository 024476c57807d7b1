// ABOUTME: ProcessExecutor runs a local command line per prompt and streams its output
// ABOUTME: Output is read from a pipe, or from a pseudo-terminal for CLIs that buffer off a TTY

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// DefaultProcessTool is the tool name permission requests use for process runs.
const DefaultProcessTool = "bash"

const (
	readChunk = 4096
	waitDelay = 2 * time.Second
)

// ProcessExecutor runs Command with Args followed by the prompt as the last argument.
type ProcessExecutor struct {
	Command string
	Args    []string
	// Env entries are appended to the agent's own environment.
	Env []string
	// PTY attaches the process to a pseudo-terminal instead of a pipe.
	PTY bool
	// Tool names the permission request made before each run. Empty means DefaultProcessTool.
	Tool string
}

func (p *ProcessExecutor) Execute(ctx context.Context, req Request) (<-chan Event, error) {
	if p.Command == "" {
		return nil, errors.New("process executor: command is not configured")
	}
	ch := make(chan Event)
	go func() {
		defer close(ch)
		if err := p.run(ctx, req, ch); err != nil {
			emit(ctx, ch, Event{Err: err})
		}
	}()
	return ch, nil
}

func (p *ProcessExecutor) run(ctx context.Context, req Request, ch chan<- Event) error {
	args := append(slices.Clone(p.Args), req.Prompt)

	tool := p.Tool
	if tool == "" {
		tool = DefaultProcessTool
	}
	input := map[string]any{
		"command": strings.Join(append([]string{p.Command}, args...), " "),
	}
	if req.WorkingDirectory != "" {
		input["cwd"] = req.WorkingDirectory
	}
	if err := permit(ctx, req, tool, input); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, p.Command, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.WaitDelay = waitDelay

	var out io.ReadCloser
	if p.PTY {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return fmt.Errorf("starting %s on a pty: %w", p.Command, err)
		}
		out = ptmx
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("creating output pipe: %w", err)
		}
		cmd.Stdout = w
		cmd.Stderr = w
		if err := cmd.Start(); err != nil {
			r.Close()
			w.Close()
			return fmt.Errorf("starting %s: %w", p.Command, err)
		}
		// the child holds its own copy
		w.Close()
		out = r
	}
	defer out.Close()

	var streamed strings.Builder
	buf := make([]byte, readChunk)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			text := string(buf[:n])
			streamed.WriteString(text)
			if !emit(ctx, ch, Event{Text: text}) {
				_ = cmd.Wait()
				return nil
			}
		}
		if err != nil {
			// a pty reports EIO once the child has exited
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				_ = cmd.Wait()
				return fmt.Errorf("reading %s output: %w", p.Command, err)
			}
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with status %d", p.Command, exitErr.ExitCode())
		}
		return fmt.Errorf("waiting for %s: %w", p.Command, err)
	}

	emit(ctx, ch, Event{Done: true, Output: streamed.String()})
	return nil
}
