// Package bonk is a soundboard that plays sounds both to the user and into
// a virtual microphone other applications can record from.
package bonk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/bonk/pkg/bonk/library"
	"github.com/MixyLabs/bonk/pkg/bonk/mpv"
	"github.com/MixyLabs/bonk/pkg/bonk/playback"
	"github.com/MixyLabs/bonk/pkg/bonk/routing"
	"github.com/MixyLabs/bonk/pkg/bonk/util"
)

const (
	mutexName = "bonk"

	// upper bound for tearing down the device graph on exit
	cleanupTimeout = 5 * time.Second
)

// ErrMissingDependencies is returned when a required external program can't be found
var ErrMissingDependencies = errors.New("missing dependencies")

// Bonk is the main entity managing all subcomponents
type Bonk struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager

	graph   *routing.Graph
	client  *mpv.Client
	players *playback.Manager
	poller  *playback.Poller
	watcher *routing.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	micsLock    sync.RWMutex
	microphones []routing.Microphone

	runningWithTray bool
	tray            *trayMenu
	stopChannel     chan bool
	lastResortOnce  sync.Once
	version         string
	verbose         bool
}

// NewBonk creates the app. configFile may be empty to search the default locations
func NewBonk(logger *zap.SugaredLogger, configFile string, verbose bool) (*Bonk, error) {
	logger = logger.Named("bonk")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configFile)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Bonk{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	logger.Debug("Created bonk instance")

	return d, nil
}

func (d *Bonk) currConf() Config {
	return d.configMan.Current()
}

// Prepare loads the config, checks dependencies and creates the engine without touching the audio server
func (d *Bonk) Prepare() error {
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	conf := d.currConf()

	playerPath, pactlPath, err := d.checkDependencies(conf)
	if err != nil {
		return err
	}

	runner := routing.NewPactlRunner(pactlPath)
	d.graph = routing.NewGraph(d.logger, runner, conf.Routing.LoopbackLatencyMsec)

	d.client = mpv.NewClient(d.logger)

	d.players = playback.NewManager(d.logger, playback.Options{
		PlayerBinary: playerPath,
		AudioOutput:  conf.Player.AudioOutput,
		VolumeMax:    conf.Player.VolumeMax,
		SocketDir:    conf.SocketDir,
		QuitGrace:    conf.Player.QuitGrace,
	}, playback.ExecSpawner{}, d.client, d.graph)

	d.poller = playback.NewPoller(d.logger, d.players, d.client.PercentPos, conf.PollInterval)

	return nil
}

// Initialize sets up components and starts to run in the background
func (d *Bonk) Initialize() error {
	d.logger.Debug("Initializing")

	if err := d.Prepare(); err != nil {
		return err
	}

	conf := d.currConf()

	if err := d.lockInstance(); err != nil {
		return err
	}

	// stale sockets from a crashed run must not satisfy a handshake
	if err := util.ResetDir(conf.SocketDir); err != nil {
		d.logger.Errorw("Failed to reset socket directory", "path", conf.SocketDir, "error", err)
		return fmt.Errorf("reset socket directory: %w", err)
	}

	if err := util.EnsureDirExists(conf.SoundsDir); err != nil {
		d.logger.Warnw("Failed to create sounds directory", "path", conf.SoundsDir, "error", err)
	}

	d.setupInterruptHandler()

	if conf.DisableTray {
		d.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		d.run()
	} else {
		d.runningWithTray = true
		d.initializeTray(d.run)
	}

	return nil
}

// SetVersion causes bonk to add a version string to its tray menu if called before Initialize
func (d *Bonk) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether bonk is running in verbose mode
func (d *Bonk) Verbose() bool {
	return d.verbose
}

func (d *Bonk) checkDependencies(conf Config) (string, string, error) {
	playerPath := util.FindBinary(conf.Player.Binary)
	pactlPath := util.FindBinary(conf.Routing.Pactl)

	var missing []string
	if playerPath == "" {
		missing = append(missing, conf.Player.Binary)
	}
	if pactlPath == "" {
		missing = append(missing, conf.Routing.Pactl)
	}

	if len(missing) > 0 {
		d.logger.Warnw("Required programs not found", "missing", missing)
		d.notifier.Notify("Missing dependencies!",
			fmt.Sprintf("Please install %v and re-launch bonk.", missing))

		return "", "", fmt.Errorf("%w: %v", ErrMissingDependencies, missing)
	}

	d.logger.Debugw("Found dependencies", "player", playerPath, "pactl", pactlPath)

	return playerPath, pactlPath, nil
}

// lockInstance makes sure no other bonk owns the device graph: its stale-module sweep
// would remove ours
func (d *Bonk) lockInstance() error {
	if err := util.EnsureDirExists(appDirectory); err != nil {
		return fmt.Errorf("ensure app directory exists: %w", err)
	}

	if err := util.CreateMutex(filepath.Join(appDirectory, mutexName)); err != nil {
		d.logger.Warnw("Failed to take instance lock", "error", err)
		if errors.Is(err, util.ErrAlreadyRunning) {
			d.notifier.Notify("bonk is already running", "Only one instance can own the virtual microphone.")
		}
		return fmt.Errorf("take instance lock: %w", err)
	}

	return nil
}

func (d *Bonk) unlockInstance() {
	util.ReleaseMutex(filepath.Join(appDirectory, mutexName))
}

func (d *Bonk) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()

		// a second signal means the graceful path is stuck
		signal = <-interruptChannel
		d.logger.Warnw("Interrupted again, forcing exit", "signal", signal)
		d.lastResort()
		os.Exit(1)
	}()
}

func (d *Bonk) run() {
	defer d.recoverFromPanic()

	d.logger.Info("Run loop starting")

	prefs := d.configMan.Preferences()

	d.graph.Setup(d.ctx, prefs.InputDeviceID)
	if state := d.graph.State(); !state.MixerSinkLoaded || !state.VirtualMicLoaded {
		d.notifier.Notify("Virtual microphone unavailable",
			"Sounds will only play locally. Please check bonk's logs for more details.")
	}

	d.refreshMicrophones()

	go d.configMan.WatchConfigFileChanges()
	go d.watchConfigReloads()
	go d.poller.Run(d.ctx)
	go d.watchSessions()

	watcher, err := routing.NewWatcher(d.logger)
	if err != nil {
		d.logger.Warnw("Device changes won't be followed", "error", err)
	} else {
		d.watcher = watcher
		go d.watchDevices()
	}

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop bonk", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *Bonk) signalStop() {
	d.logger.Debug("Signalling stop channel")

	select {
	case d.stopChannel <- true:
	default:
	}
}

func (d *Bonk) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	// players first: a remote leg must not outlive the sink it plays into
	d.players.Close()
	d.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	d.graph.Cleanup(ctx)

	var err error
	if d.watcher != nil {
		if releaseErr := d.watcher.Release(); releaseErr != nil {
			err = fmt.Errorf("release device watcher: %w", releaseErr)
		}
	}

	d.unlockInstance()

	if d.runningWithTray {
		d.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return err
}

// lastResort kills every player and removes the virtual devices without any graceful step
func (d *Bonk) lastResort() {
	d.lastResortOnce.Do(func() {
		d.logger.Warn("Running last-resort cleanup")

		if d.players != nil {
			d.players.KillAll()
		}

		if d.graph != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			d.graph.Cleanup(ctx)
		}

		d.unlockInstance()
	})
}

func (d *Bonk) watchConfigReloads() {
	defer d.recoverFromPanic()

	reloads := d.configMan.SubscribeToChanges()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-reloads:
			conf := d.currConf()

			if d.graph.SetLoopbackLatency(conf.Routing.LoopbackLatencyMsec) {
				d.logger.Infow("Loopback latency changed, rebuilding loopback",
					"latencyMsec", conf.Routing.LoopbackLatencyMsec)
				d.graph.SetupLoopback(d.ctx, d.configMan.Preferences().InputDeviceID)
			}
		}
	}
}

func (d *Bonk) watchDevices() {
	defer d.recoverFromPanic()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event := <-d.watcher.Events():
			if event.ModuleRemoved != "" {
				d.graph.RestoreLoopback(d.ctx, event.ModuleRemoved)
			}

			if event.SourcesChanged {
				d.refreshMicrophones()
			}
		}
	}
}

func (d *Bonk) watchSessions() {
	defer d.recoverFromPanic()

	changes := d.players.SubscribeToChanges()

	for {
		select {
		case <-d.ctx.Done():
			return
		case sessions := <-changes:
			if d.tray != nil {
				d.tray.updatePlaying(sessions)
			}
		}
	}
}

func (d *Bonk) refreshMicrophones() {
	mics := d.graph.Microphones(d.ctx)

	d.micsLock.Lock()
	d.microphones = mics
	d.micsLock.Unlock()

	d.logger.Debugw("Microphones", "count", len(mics))

	if d.tray != nil {
		d.tray.updateMicrophones(mics, d.configMan.Preferences().InputDeviceID)
	}
}

// Microphones returns the real capture devices seen last
func (d *Bonk) Microphones() []routing.Microphone {
	d.micsLock.RLock()
	defer d.micsLock.RUnlock()

	return append([]routing.Microphone(nil), d.microphones...)
}

// Play starts a sound with the current master volumes
func (d *Bonk) Play(sound string) (string, bool) {
	prefs := d.configMan.Preferences()

	return d.players.Play(sound, prefs.LocalVolume, prefs.RemoteVolume)
}

// StopAll stops every playing sound
func (d *Bonk) StopAll() {
	d.players.StopAll()
}

// SetMicrophone remembers the microphone and rebuilds the loopback from it in the background.
// An empty id follows the system default source
func (d *Bonk) SetMicrophone(id string) {
	if _, err := d.configMan.UpdatePreferences(func(p *Preferences) { p.InputDeviceID = id }); err != nil {
		d.logger.Warnw("Microphone choice won't survive a restart", "error", err)
	}

	go func() {
		defer d.recoverFromPanic()
		d.graph.SetupLoopback(d.ctx, id)
	}()
}

// SetMasterVolume changes a route's master volume and reapplies it to everything playing
func (d *Bonk) SetMasterVolume(isLocal bool, percent float64) {
	prefs, err := d.configMan.UpdatePreferences(func(p *Preferences) {
		if isLocal {
			p.LocalVolume = percent
		} else {
			p.RemoteVolume = percent
		}
	})
	if err != nil {
		d.logger.Warnw("Volume won't survive a restart", "error", err)
	}

	d.players.UpdateMasterVolume(isLocal, prefs.masterVolume(isLocal))
}

// SetSoundVolume changes one sound's individual volume on one route
func (d *Bonk) SetSoundVolume(id string, isLocal bool, percent float64) {
	master := d.configMan.Preferences().masterVolume(isLocal)

	d.players.SetIndividualVolume(id, isLocal, percent, master)
}

// ToggleFavorite adds or removes a sound from the favourites
func (d *Bonk) ToggleFavorite(path string) bool {
	favorite := false

	_, err := d.configMan.UpdatePreferences(func(p *Preferences) {
		for i, existing := range p.Favorites {
			if existing == path {
				p.Favorites = append(p.Favorites[:i], p.Favorites[i+1:]...)
				return
			}
		}

		p.Favorites = append(p.Favorites, path)
		favorite = true
	})
	if err != nil {
		d.logger.Warnw("Favourites won't survive a restart", "error", err)
	}

	return favorite
}

// Sounds lists the library with the remembered favourites and sort order
func (d *Bonk) Sounds(search string, filter library.Filter) ([]library.Sound, error) {
	prefs := d.configMan.Preferences()

	return library.List(library.Query{
		Root:      d.SoundsDir(),
		Search:    search,
		Filter:    filter,
		Favorites: prefs.Favorites,
		Sort:      prefs.SortMode,
	})
}

// SoundsDir is the root of the sound library
func (d *Bonk) SoundsDir() string {
	return d.currConf().SoundsDir
}

// Sessions returns what is playing right now
func (d *Bonk) Sessions() []playback.Session {
	return d.players.Sessions()
}

// PlayOnce plays a single sound and blocks until it ends or ctx is cancelled.
// The device graph is built for the duration of the call
func (d *Bonk) PlayOnce(ctx context.Context, sound string) error {
	defer d.recoverFromPanic()

	if err := d.lockInstance(); err != nil {
		return err
	}
	defer d.unlockInstance()

	if err := util.ResetDir(d.currConf().SocketDir); err != nil {
		return fmt.Errorf("reset socket directory: %w", err)
	}

	prefs := d.configMan.Preferences()
	d.graph.Setup(ctx, prefs.InputDeviceID)

	defer func() {
		d.players.Close()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		d.graph.Cleanup(cleanupCtx)
	}()

	changes := d.players.SubscribeToChanges()

	id, ok := d.players.Play(sound, prefs.LocalVolume, prefs.RemoteVolume)
	if !ok {
		return fmt.Errorf("play %s: %w", sound, playback.ErrNoLegs)
	}

	for {
		if _, playing := d.players.Get(id); !playing {
			return nil
		}

		select {
		case <-ctx.Done():
			d.players.Stop(id)
			return ctx.Err()
		case <-changes:
		}
	}
}

// ListMicrophones asks the audio server for microphones without building the graph
func (d *Bonk) ListMicrophones(ctx context.Context) []routing.Microphone {
	return d.graph.Microphones(ctx)
}

// RemoveVirtualDevices unloads every module left behind by any bonk run.
// It refuses to run while another instance owns the graph
func (d *Bonk) RemoveVirtualDevices(ctx context.Context) (int, error) {
	if err := d.lockInstance(); err != nil {
		return 0, err
	}
	defer d.unlockInstance()

	return d.graph.UnloadAll(ctx), nil
}
