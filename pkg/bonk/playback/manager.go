// Package playback owns the sounds that are currently playing.
//
// Every sound is a session with up to two legs, one external player process
// per leg: a local leg on the default output and a remote leg playing into
// the virtual mixer sink. Each session has a supervising goroutine that owns
// its processes and is the only place a session is removed from the live set.
package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoLegs is logged when a play request ends up without any running leg
var ErrNoLegs = errors.New("no leg could be started")

const (
	// every sound starts at full individual volume
	defaultIndividualVolume = 100

	defaultVolumeMax   = 250
	defaultQuitGrace   = 250 * time.Millisecond
	defaultStopTimeout = 3 * time.Second
	commandTimeout     = 2 * time.Second
	killTimeout        = time.Second
)

// Controller is the player control protocol
type Controller interface {
	SetVolume(ctx context.Context, socketPath string, volume float64) error
	SetPause(ctx context.Context, socketPath string, paused bool) error
	Seek(ctx context.Context, socketPath string, fraction float64) error
	Quit(ctx context.Context, socketPath string) error
}

// SinkProber tells whether the remote route is available
type SinkProber interface {
	MixerSinkExists(ctx context.Context) bool
	MixerSink() string
}

// Options configure how players are started and stopped
type Options struct {
	PlayerBinary string
	// audio output driver and the device prefix for the remote leg, e.g. "pulse"
	AudioOutput string
	VolumeMax   int
	SocketDir   string

	// how long a player gets to exit after quit before it is killed
	QuitGrace time.Duration
	// upper bound for Stop and StopAll to wait for a teardown
	StopTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.PlayerBinary == "" {
		o.PlayerBinary = "mpv"
	}
	if o.AudioOutput == "" {
		o.AudioOutput = "pulse"
	}
	if o.VolumeMax <= 0 {
		o.VolumeMax = defaultVolumeMax
	}
	if o.SocketDir == "" {
		o.SocketDir = os.TempDir()
	}
	if o.QuitGrace <= 0 {
		o.QuitGrace = defaultQuitGrace
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
}

// Manager plays sounds and keeps track of the live sessions
type Manager struct {
	logger *zap.SugaredLogger
	opts   Options

	spawner Spawner
	control Controller
	sinks   SinkProber

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock     sync.RWMutex
	sessions map[string]*session

	subLock     sync.Mutex
	subscribers []chan []Session
}

func NewManager(logger *zap.SugaredLogger, opts Options, spawner Spawner, control Controller, sinks SinkProber) *Manager {
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger:   logger.Named("playback"),
		opts:     opts,
		spawner:  spawner,
		control:  control,
		sinks:    sinks,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}

	m.logger.Debugw("Created playback manager instance", "options", opts)

	return m
}

// Play starts a sound on every route whose master volume is above zero. The remote
// route additionally needs the mixer sink. It returns false if no player could be started
func (m *Manager) Play(sound string, masterLocal, masterRemote float64) (string, bool) {
	kinds := m.plannedLegs(masterLocal, masterRemote)
	if len(kinds) == 0 {
		m.logger.Debugw("Nothing to play on", "sound", sound,
			"masterLocal", masterLocal, "masterRemote", masterRemote)
		return "", false
	}

	ctx, cancel := context.WithCancel(m.ctx)

	s := &session{
		info: Session{
			ID:           newSessionID(),
			Sound:        sound,
			LocalVolume:  defaultIndividualVolume,
			RemoteVolume: defaultIndividualVolume,
			State:        StateStarting,
			StartedAt:    time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// registered before spawning so that StopAll can reach a session mid-creation
	m.lock.Lock()
	m.sessions[s.info.ID] = s
	m.lock.Unlock()

	var legs []*leg
	for _, kind := range kinds {
		master := masterLocal
		individual := s.info.LocalVolume
		if kind == LegRemote {
			master = masterRemote
			individual = s.info.RemoteVolume
		}

		l, err := m.spawnLeg(s.info.ID, kind, sound, Mix(master, individual))
		if err != nil {
			m.logger.Warnw("Failed to start player", "sound", sound, "leg", kind, "error", err)
			continue
		}

		legs = append(legs, l)
	}

	if len(legs) == 0 {
		m.logger.Warnw("Not playing sound", "sound", sound, "error", ErrNoLegs)
		m.release(s, false)
		return "", false
	}

	m.lock.Lock()
	s.legs = legs
	for _, l := range legs {
		s.info.Legs = append(s.info.Legs, l.kind)
	}
	if s.info.State == StateStarting {
		s.info.State = StatePlaying
	}
	m.lock.Unlock()

	m.wg.Add(1)
	go m.supervise(ctx, s, legs)

	m.logger.Infow("Playing sound", "id", s.info.ID, "sound", sound, "legs", s.info.Legs)
	m.publish()

	return s.info.ID, true
}

func (m *Manager) plannedLegs(masterLocal, masterRemote float64) []LegKind {
	var kinds []LegKind

	if masterLocal > 0 {
		kinds = append(kinds, LegLocal)
	}

	if masterRemote > 0 {
		if m.sinks != nil && m.sinks.MixerSinkExists(m.ctx) {
			kinds = append(kinds, LegRemote)
		} else {
			m.logger.Debug("Mixer sink missing, skipping remote leg")
		}
	}

	return kinds
}

func (m *Manager) spawnLeg(id string, kind LegKind, sound string, volume float64) (*leg, error) {
	socket := filepath.Join(m.opts.SocketDir, fmt.Sprintf("%s_%s.sock", id, kind))

	// the path is ours from here on; the player creates the socket itself
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reserve socket %s: %w", socket, err)
	}

	proc, err := m.spawner.Spawn(m.playerArgs(kind, sound, volume, socket))
	if err != nil {
		return nil, fmt.Errorf("spawn %s leg: %w", kind, err)
	}

	l := &leg{
		kind:   kind,
		socket: socket,
		proc:   proc,
		exited: make(chan struct{}),
	}

	go func() {
		err := proc.Wait()
		m.logger.Debugw("Player exited", "id", id, "leg", kind, "error", err)
		close(l.exited)
	}()

	return l, nil
}

func (m *Manager) playerArgs(kind LegKind, sound string, volume float64, socket string) []string {
	args := []string{
		m.opts.PlayerBinary,
		"--no-terminal",
		"--ao=" + m.opts.AudioOutput,
		"--vid=no",
		"--audio-display=no",
		"--volume-max=" + strconv.Itoa(m.opts.VolumeMax),
		"--volume=" + strconv.FormatFloat(volume, 'f', -1, 64),
		"--input-ipc-server=" + socket,
		"--idle=no",
	}

	if kind == LegRemote {
		args = append(args, "--audio-device="+m.opts.AudioOutput+"/"+m.sinks.MixerSink())
	}

	return append(args, sound)
}

// supervise waits for a stop request or for every leg to exit, then tears the session down
func (m *Manager) supervise(ctx context.Context, s *session, legs []*leg) {
	defer m.wg.Done()

	allExited := make(chan struct{})
	go func() {
		for _, l := range legs {
			<-l.exited
		}
		close(allExited)
	}()

	select {
	case <-ctx.Done():
		m.logger.Debugw("Stop requested", "id", s.info.ID)
	case <-allExited:
		m.logger.Debugw("All players exited", "id", s.info.ID)
	}

	m.teardown(s, legs)
}

func (m *Manager) teardown(s *session, legs []*leg) {
	m.lock.Lock()
	s.info.State = StateStopping
	m.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.QuitGrace+commandTimeout)
	defer cancel()

	for _, l := range legs {
		if l.alive() {
			_ = m.control.Quit(ctx, l.socket)
		}
	}

	deadline := time.After(m.opts.QuitGrace)
wait:
	for _, l := range legs {
		select {
		case <-l.exited:
		case <-deadline:
			break wait
		}
	}

	for _, l := range legs {
		if l.alive() {
			m.logger.Debugw("Player ignored quit, killing", "id", s.info.ID, "leg", l.kind)
			if err := l.proc.Kill(); err != nil {
				m.logger.Warnw("Failed to kill player", "id", s.info.ID, "leg", l.kind, "error", err)
			}

			select {
			case <-l.exited:
			case <-time.After(killTimeout):
				// keep the socket path reserved while the process may still use it
				m.logger.Warnw("Player still alive after kill", "id", s.info.ID, "leg", l.kind)
				continue
			}
		}

		if err := os.Remove(l.socket); err != nil && !os.IsNotExist(err) {
			m.logger.Warnw("Failed to remove control socket", "socket", l.socket, "error", err)
		}
	}

	m.release(s, true)
	m.logger.Infow("Sound finished", "id", s.info.ID, "sound", s.info.Sound)
}

// release is the only place a session leaves the live set
func (m *Manager) release(s *session, notify bool) {
	s.cancel()

	m.lock.Lock()
	if m.sessions[s.info.ID] == s {
		delete(m.sessions, s.info.ID)
	}
	s.info.State = StateTerminated
	m.lock.Unlock()

	close(s.done)

	if notify {
		m.publish()
	}
}

// Stop ends a session and waits until its players and sockets are gone
func (m *Manager) Stop(id string) {
	m.lock.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.info.State = StateStopping
	}
	m.lock.Unlock()

	if !ok {
		return
	}

	m.logger.Debugw("Stopping sound", "id", id)

	s.cancel()
	m.await(s)
}

// StopAll ends every session, including ones still being created
func (m *Manager) StopAll() {
	m.lock.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.info.State = StateStopping
		all = append(all, s)
	}
	m.lock.Unlock()

	if len(all) == 0 {
		return
	}

	m.logger.Debugw("Stopping all sounds", "count", len(all))

	for _, s := range all {
		s.cancel()
	}
	for _, s := range all {
		m.await(s)
	}
}

func (m *Manager) await(s *session) {
	select {
	case <-s.done:
	case <-time.After(m.opts.StopTimeout):
		m.logger.Warnw("Timed out waiting for sound to stop", "id", s.info.ID)
	}
}

// TogglePause flips the session's paused flag and relays it to every leg
func (m *Manager) TogglePause(id string) {
	m.lock.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.visible() || s.info.State == StateStopping {
		m.lock.Unlock()
		return
	}

	s.info.Paused = !s.info.Paused
	if s.info.Paused {
		s.info.State = StatePaused
	} else {
		s.info.State = StatePlaying
	}

	paused := s.info.Paused
	sockets := s.sockets()
	m.lock.Unlock()

	m.publish()

	ctx, cancel := context.WithTimeout(m.ctx, commandTimeout)
	defer cancel()

	for _, socket := range sockets {
		_ = m.control.SetPause(ctx, socket, paused)
	}
}

// Seek moves every leg to the given position in [0,1]
func (m *Manager) Seek(id string, fraction float64) {
	fraction = clamp01(fraction)

	m.lock.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.visible() {
		m.lock.Unlock()
		return
	}

	s.info.Progress = fraction
	sockets := s.sockets()
	m.lock.Unlock()

	m.publish()

	ctx, cancel := context.WithTimeout(m.ctx, commandTimeout)
	defer cancel()

	for _, socket := range sockets {
		_ = m.control.Seek(ctx, socket, fraction)
	}
}

// SetIndividualVolume changes one leg's per-sound volume and sends the mixed device volume to that leg
func (m *Manager) SetIndividualVolume(id string, isLocal bool, percent float64, masterPercent float64) {
	kind := LegRemote
	if isLocal {
		kind = LegLocal
	}

	m.lock.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.lock.Unlock()
		return
	}

	if isLocal {
		s.info.LocalVolume = percent
	} else {
		s.info.RemoteVolume = percent
	}
	socket := s.socket(kind)
	m.lock.Unlock()

	m.publish()

	if socket == "" {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, commandTimeout)
	defer cancel()

	_ = m.control.SetVolume(ctx, socket, Mix(masterPercent, percent))
}

// UpdateMasterVolume reapplies every session's individual volume under a new master volume
func (m *Manager) UpdateMasterVolume(isLocal bool, masterPercent float64) {
	for _, s := range m.Sessions() {
		individual := s.RemoteVolume
		if isLocal {
			individual = s.LocalVolume
		}

		m.SetIndividualVolume(s.ID, isLocal, individual, masterPercent)
	}
}

// Sessions returns the live sessions, oldest first
func (m *Manager) Sessions() []Session {
	m.lock.RLock()
	defer m.lock.RUnlock()

	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.visible() {
			sessions = append(sessions, s.snapshot())
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	return sessions
}

// Get returns a snapshot of one live session
func (m *Manager) Get(id string) (Session, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	s, ok := m.sessions[id]
	if !ok || !s.visible() {
		return Session{}, false
	}

	return s.snapshot(), true
}

// ProgressTargets maps each playing session to the socket to query its position on, local leg first
func (m *Manager) ProgressTargets() map[string]string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	targets := make(map[string]string, len(m.sessions))
	for id, s := range m.sessions {
		if s.info.State != StatePlaying && s.info.State != StatePaused {
			continue
		}

		socket := s.socket(LegLocal)
		if socket == "" {
			socket = s.socket(LegRemote)
		}
		if socket != "" {
			targets[id] = socket
		}
	}

	return targets
}

// ApplyProgress stores a batch of positions in one update
func (m *Manager) ApplyProgress(updates map[string]float64) {
	applied := 0

	m.lock.Lock()
	for id, progress := range updates {
		if s, ok := m.sessions[id]; ok && s.visible() {
			s.info.Progress = clamp01(progress)
			applied++
		}
	}
	m.lock.Unlock()

	if applied > 0 {
		m.publish()
	}
}

// SubscribeToChanges returns a channel that always holds the latest session list after a change
func (m *Manager) SubscribeToChanges() <-chan []Session {
	ch := make(chan []Session, 1)

	m.subLock.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subLock.Unlock()

	return ch
}

func (m *Manager) publish() {
	snapshot := m.Sessions()

	m.subLock.Lock()
	defer m.subLock.Unlock()

	for _, ch := range m.subscribers {
		// drop a stale snapshot the consumer hasn't picked up yet
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- snapshot:
		default:
		}
	}
}

// KillAll is the last-resort hook: it force-kills every player and removes the sockets
// without going through the control protocol
func (m *Manager) KillAll() {
	m.lock.RLock()
	var legs []*leg
	for _, s := range m.sessions {
		legs = append(legs, s.legs...)
	}
	m.lock.RUnlock()

	for _, l := range legs {
		if l.alive() {
			_ = l.proc.Kill()

			select {
			case <-l.exited:
			case <-time.After(killTimeout):
				continue
			}
		}

		_ = os.Remove(l.socket)
	}

	m.cancel()

	m.logger.Debugw("Killed all players", "count", len(legs))
}

// Close stops every session and waits for the supervisors to finish
func (m *Manager) Close() {
	m.StopAll()
	m.cancel()
	m.wg.Wait()

	m.logger.Debug("Playback manager closed")
}

func (m *Manager) String() string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return fmt.Sprintf("<%d sessions>", len(m.sessions))
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}

	return value
}
