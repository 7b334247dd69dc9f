package async

import (
	"bytes"
	"context"
	"os/exec"

	"golang.org/x/xerrors"
)

// Subprocess is a spawned external command bridged onto the runtime:
// Wait races the process's natural exit against the runtime's interrupt
// future, and Terminate lets a caller end it early. Grounded on the
// original's operation/subprocess.py + operation/protocol.py, minus the
// asyncio transport/protocol plumbing Go's os/exec already subsumes.
type Subprocess struct {
	cmd    *exec.Cmd
	done   *Future[*ProcessResult]
	cancel context.CancelFunc
}

// ProcessResult captures a finished subprocess's captured output and exit
// status, the inputs a compose.Step needs to decide stability and
// success.
type ProcessResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Spawn starts argv[0] with the remaining elements as arguments, in dir,
// capturing stdout/stderr. The process is killed if ctx is cancelled or
// the runtime is shut down before it exits.
func (r *Runtime) Spawn(ctx context.Context, dir string, argv []string) (*Subprocess, error) {
	if r.IsShutdown() {
		return nil, Interrupted
	}
	if len(argv) == 0 {
		return nil, xerrors.New("async: Spawn requires a non-empty argv")
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	sp := &Subprocess{cmd: cmd, done: NewFuture[*ProcessResult](), cancel: cancel}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, xerrors.Errorf("async: starting %v: %w", argv, err)
	}

	go func() {
		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else {
				sp.done.Reject(xerrors.Errorf("async: running %v: %w", argv, err))
				return
			}
		}
		sp.done.Resolve(&ProcessResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: exitCode,
		})
	}()

	go func() {
		r.interrupt.Then(func(struct{}, error) { sp.Terminate() })
	}()

	return sp, nil
}

// Wait blocks for the subprocess to exit and returns its captured result.
func (sp *Subprocess) Wait() (*ProcessResult, error) {
	return sp.done.Get()
}

// Terminate kills the subprocess if it is still running. Idempotent.
func (sp *Subprocess) Terminate() {
	sp.cancel()
}
