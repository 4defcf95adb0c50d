// Package sysprocess spawns child processes with piped standard streams.
//
// The pipes are plain blocking files; they are not attached to an event
// engine. Use Wait to collect the exit status.
package sysprocess

import (
	"errors"
	"fmt"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var ErrNotFound = errors.New("executable file not found")

type EnvVar struct {
	Name  string
	Value string
}

type Process struct {
	// Stdin is the write end of the child's standard input.
	Stdin *os.File
	// Stdout is the read end of the child's standard output.
	Stdout *os.File
	// Stderr is the read end of the child's standard error.
	Stderr *os.File

	path    string
	process *os.Process
	open    *atomic.Bool
	waited  *atomic.Bool
}

// Spawn starts command with args and exactly the environment env. A command
// without a slash is looked up in env's PATH, or in the parent's PATH when
// env has none. Nothing is left open when an error is returned.
func Spawn(command string, args []string, env []EnvVar) (*Process, error) {
	path, err := lookPath(command, env)
	if err != nil {
		return nil, err
	}
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, fmt.Errorf("spawn %s: %w", command, err)
		}
		opened = append(opened, r, w)
		return r, w, nil
	}
	inR, inW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	outR, outW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	errR, errW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}

	argv := append([]string{command}, args...)
	process, err := os.StartProcess(path, argv, &os.ProcAttr{
		Env:   formatEnv(env),
		Files: []*os.File{inR, outW, errW},
	})
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}
	// the child holds its own copies
	_ = inR.Close()
	_ = outW.Close()
	_ = errW.Close()

	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] spawned process: %s %v", process.Pid, path, args)
	}
	return &Process{
		Stdin:   inW,
		Stdout:  outR,
		Stderr:  errR,
		path:    path,
		process: process,
		open:    atomic.NewBool(true),
		waited:  atomic.NewBool(false),
	}, nil
}

func (p *Process) Pid() int {
	return p.process.Pid
}

// Path is the resolved executable path.
func (p *Process) Path() string {
	return p.path
}

func (p *Process) IsOpen() bool {
	return p.open.Load()
}

// Wait blocks until the child exits and returns its exit code. A child killed
// by a signal reports -1.
func (p *Process) Wait() (int, error) {
	if !p.waited.CAS(false, true) {
		return -1, fmt.Errorf("wait %d: %w", p.process.Pid, os.ErrProcessDone)
	}
	state, err := p.process.Wait()
	if err != nil {
		return -1, fmt.Errorf("wait %d: %w", p.process.Pid, err)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] process exited: %s", p.process.Pid, state)
	}
	return state.ExitCode(), nil
}

// Kill sends sig to the child.
func (p *Process) Kill(sig syscall.Signal) error {
	return p.process.Signal(sig)
}

// Close releases the parent's pipe ends. The child keeps running.
func (p *Process) Close() error {
	if !p.open.CAS(true, false) {
		return nil
	}
	var firstErr error
	for _, f := range []*os.File{p.Stdin, p.Stdout, p.Stderr} {
		// stdin is commonly closed early to send EOF to the child
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		log.Error().Msgf("[%d] got error while closing process pipes: %+v", p.process.Pid, firstErr)
	}
	return firstErr
}

func formatEnv(env []EnvVar) []string {
	formatted := make([]string, 0, len(env))
	for _, v := range env {
		formatted = append(formatted, v.Name+"="+v.Value)
	}
	return formatted
}

func lookPath(command string, env []EnvVar) (string, error) {
	if strings.Contains(command, "/") {
		if err := checkExecutable(command); err != nil {
			return "", fmt.Errorf("spawn %s: %w", command, err)
		}
		return command, nil
	}
	pathEnv, ok := "", false
	for _, v := range env {
		if v.Name == "PATH" {
			pathEnv, ok = v.Value, true
		}
	}
	if !ok {
		pathEnv = os.Getenv("PATH")
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		path := filepath.Join(dir, command)
		if checkExecutable(path) == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("spawn %s: %w", command, ErrNotFound)
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return os.ErrPermission
	}
	return nil
}
