package playback

import (
	"errors"
	"fmt"
	"os/exec"
)

// Process is a running player
type Process interface {
	Pid() int
	// Wait blocks until the process exits
	Wait() error
	Kill() error
}

// Spawner starts a player from a full argv, args[0] being the binary
type Spawner interface {
	Spawn(args []string) (Process, error)
}

// ExecSpawner starts players as child processes
type ExecSpawner struct{}

func (ExecSpawner) Spawn(args []string) (Process, error) {
	if len(args) == 0 {
		return nil, errors.New("empty player command line")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = playerProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}

	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
