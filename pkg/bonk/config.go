package bonk

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/bonk/pkg/bonk/playback"
	"github.com/MixyLabs/bonk/pkg/bonk/routing"
	"github.com/MixyLabs/bonk/pkg/bonk/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
	// preferences the app writes itself: volumes, microphone, favourites
	internalConfig *viper.Viper

	lock        sync.RWMutex
	current     Config
	preferences Preferences
}

type Config struct {
	SoundsDir string `mapstructure:"sounds_dir"`
	SocketDir string `mapstructure:"socket_dir"`

	Player struct {
		Binary      string        `mapstructure:"binary"`
		AudioOutput string        `mapstructure:"audio_output"`
		VolumeMax   int           `mapstructure:"volume_max"`
		QuitGrace   time.Duration `mapstructure:"quit_grace"`
	} `mapstructure:"player"`

	Routing struct {
		LoopbackLatencyMsec int    `mapstructure:"loopback_latency_msec"`
		Pactl               string `mapstructure:"pactl"`
	} `mapstructure:"routing"`

	PollInterval time.Duration `mapstructure:"poll_interval"`

	DisableTray bool `mapstructure:"disable_tray"`
}

const (
	userConfigFilename     = "config.yaml"
	internalConfigFilename = "preferences.yaml"

	userConfigName     = "config"
	internalConfigName = "preferences"

	configType = "yaml"

	configKeySoundsDir           = "sounds_dir"
	configKeySocketDir           = "socket_dir"
	configKeyPlayerBinary        = "player.binary"
	configKeyPlayerAudioOutput   = "player.audio_output"
	configKeyPlayerVolumeMax     = "player.volume_max"
	configKeyPlayerQuitGrace     = "player.quit_grace"
	configKeyLoopbackLatencyMsec = "routing.loopback_latency_msec"
	configKeyPactl               = "routing.pactl"
	configKeyPollInterval        = "poll_interval"
	configKeyDisableTray         = "disable_tray"

	defaultSocketDir = "/tmp/bonk_sockets"
)

var (
	appDirectory = util.ExpandHome("~/.bonk")
	logDirectory = filepath.Join(appDirectory, "logs")

	userConfigPaths = []string{".", appDirectory}
)

// NewConfig creates the config manager. configFile overrides the search paths when set
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, configFile string) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		preferences:        defaultPreferences(),
	}

	// distinguish between the user-provided config (config.yaml) and the one we write (~/.bonk/preferences.yaml)
	userConfig := viper.New()
	userConfig.SetConfigType(configType)
	if configFile != "" {
		userConfig.SetConfigFile(configFile)
	} else {
		userConfig.SetConfigName(userConfigName)
		for _, path := range userConfigPaths {
			userConfig.AddConfigPath(path)
		}
	}

	userConfig.SetDefault(configKeySoundsDir, filepath.Join(appDirectory, "sounds"))
	userConfig.SetDefault(configKeySocketDir, defaultSocketDir)
	userConfig.SetDefault(configKeyPlayerBinary, "mpv")
	userConfig.SetDefault(configKeyPlayerAudioOutput, "pulse")
	userConfig.SetDefault(configKeyPlayerVolumeMax, 250)
	userConfig.SetDefault(configKeyPlayerQuitGrace, 250*time.Millisecond)
	userConfig.SetDefault(configKeyLoopbackLatencyMsec, routing.DefaultLoopbackLatencyMsec)
	userConfig.SetDefault(configKeyPactl, "pactl")
	userConfig.SetDefault(configKeyPollInterval, playback.DefaultPollInterval)
	userConfig.SetDefault(configKeyDisableTray, false)

	internalConfig := viper.New()
	internalConfig.SetConfigName(internalConfigName)
	internalConfig.SetConfigType(configType)
	internalConfig.AddConfigPath(appDirectory)

	setPreferenceDefaults(internalConfig)

	cc.userConfig = userConfig
	cc.internalConfig = internalConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads both config files. A missing user config is fine, defaults apply
func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "paths", userConfigPaths, "file", cc.userConfig.ConfigFileUsed())

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			cc.logger.Infow("No config file found, using defaults", "name", userConfigFilename)
		} else {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilename))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check bonk's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	}

	// the preferences file doesn't have to exist
	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read internal config", "error", err, "reminder", "this is fine")
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"soundsDir", current.SoundsDir,
		"socketDir", current.SocketDir,
		"player", current.Player,
		"routing", current.Routing,
		"pollInterval", current.PollInterval)

	return nil
}

// Current returns a copy of the loaded config
func (cc *ConfigManager) Current() Config {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.current
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.lock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.lock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.userConfig.ConfigFileUsed())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	if cc.userConfig.ConfigFileUsed() == "" {
		cc.logger.Debug("No user config file to watch")
		<-cc.stopWatcherChannel
		return
	}

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) {
			return
		}

		now := time.Now()

		// many editors write twice
		if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).After(now) {
			return
		}
		lastAttemptedReload = now

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// give the editor a moment to flush the new contents
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
			return
		}

		cc.logger.Info("Reloaded config successfully")
		cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

		cc.onConfigReloaded()
	})
	cc.userConfig.WatchConfig()

	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	case <-time.After(time.Second):
		cc.logger.Debug("Config watcher wasn't running")
	}
}

func (cc *ConfigManager) populateFromVipers() error {
	var current Config
	err := cc.userConfig.Unmarshal(&current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return fmt.Errorf("decode user config: %w", err)
	}

	current.SoundsDir = util.ExpandHome(current.SoundsDir)
	current.SocketDir = util.ExpandHome(current.SocketDir)

	var prefs Preferences
	if err := cc.internalConfig.Unmarshal(&prefs); err != nil {
		return fmt.Errorf("decode preferences: %w", err)
	}
	prefs.normalize()

	cc.lock.Lock()
	cc.current = current
	cc.preferences = prefs
	cc.lock.Unlock()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.lock.RLock()
	defer cc.lock.RUnlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
