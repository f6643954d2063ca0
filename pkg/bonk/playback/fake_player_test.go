package playback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProcess stands in for a player: it serves the control socket named on its
// command line, records commands, answers percent-pos and exits on quit
type fakeProcess struct {
	args     []string
	socket   string
	listener net.Listener

	percentPos float64
	ignoreQuit bool

	mu       sync.Mutex
	commands [][]any

	exitOnce sync.Once
	exited   chan struct{}
}

func (p *fakeProcess) Pid() int { return os.Getpid() }

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

// exit closes the listener, which also unlinks the socket file
func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		_ = p.listener.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) isAlive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) serve() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *fakeProcess) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Command []any `json:"command"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || len(req.Command) == 0 {
			continue
		}

		p.mu.Lock()
		p.commands = append(p.commands, req.Command)
		progress := p.percentPos
		p.mu.Unlock()

		switch req.Command[0] {
		case "get_property":
			reply, _ := json.Marshal(map[string]any{"data": progress, "request_id": 0, "error": "success"})
			_, _ = conn.Write(append(reply, '\n'))
		case "quit":
			if !p.ignoreQuit {
				p.exit()
				return
			}
		}
	}
}

func (p *fakeProcess) received() [][]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([][]any(nil), p.commands...)
}

func (p *fakeProcess) hasCommand(want ...any) bool {
	for _, cmd := range p.received() {
		if len(cmd) != len(want) {
			continue
		}

		match := true
		for i := range cmd {
			if cmd[i] != want[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}

	return false
}

func (p *fakeProcess) remote() bool {
	for _, arg := range p.args {
		if strings.HasPrefix(arg, "--audio-device=") {
			return true
		}
	}

	return false
}

func (p *fakeProcess) hasArg(want string) bool {
	for _, arg := range p.args {
		if arg == want {
			return true
		}
	}

	return false
}

type fakeSpawner struct {
	t *testing.T

	failLocal  bool
	failRemote bool
	ignoreQuit bool
	percentPos float64

	// beforeSpawn runs at the start of every Spawn call
	beforeSpawn func()

	mu        sync.Mutex
	processes []*fakeProcess
}

func (s *fakeSpawner) Spawn(args []string) (Process, error) {
	if s.beforeSpawn != nil {
		s.beforeSpawn()
	}

	p := &fakeProcess{args: args, exited: make(chan struct{}), ignoreQuit: s.ignoreQuit, percentPos: s.percentPos}

	if (p.remote() && s.failRemote) || (!p.remote() && s.failLocal) {
		return nil, errors.New("exec: \"mpv\": permission denied")
	}

	for _, arg := range args {
		if strings.HasPrefix(arg, "--input-ipc-server=") {
			p.socket = strings.TrimPrefix(arg, "--input-ipc-server=")
		}
	}

	listener, err := net.Listen("unix", p.socket)
	if err != nil {
		s.t.Fatalf("fake player listen on %s: %v", p.socket, err)
	}
	p.listener = listener
	go p.serve()

	s.mu.Lock()
	s.processes = append(s.processes, p)
	s.mu.Unlock()

	s.t.Cleanup(p.exit)

	return p, nil
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*fakeProcess(nil), s.processes...)
}

type fakeSinks struct {
	exists bool
}

func (f fakeSinks) MixerSinkExists(context.Context) bool { return f.exists }
func (f fakeSinks) MixerSink() string                    { return "Bonk_Mixer_Sink" }

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}
