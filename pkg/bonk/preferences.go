package bonk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"gopkg.in/yaml.v3"

	"github.com/MixyLabs/bonk/pkg/bonk/library"
	"github.com/MixyLabs/bonk/pkg/bonk/util"
)

// Preferences is the state bonk remembers between runs
type Preferences struct {
	LocalVolume   float64          `mapstructure:"local_volume" yaml:"local_volume"`
	RemoteVolume  float64          `mapstructure:"remote_volume" yaml:"remote_volume"`
	InputDeviceID string           `mapstructure:"input_device_id" yaml:"input_device_id,omitempty"`
	Favorites     []string         `mapstructure:"favorites" yaml:"favorites,omitempty"`
	SortMode      library.SortMode `mapstructure:"sort_mode" yaml:"sort_mode"`
}

const (
	prefKeyLocalVolume  = "local_volume"
	prefKeyRemoteVolume = "remote_volume"
	prefKeySortMode     = "sort_mode"

	defaultLocalVolume  = 80
	defaultRemoteVolume = 100
)

func defaultPreferences() Preferences {
	return Preferences{
		LocalVolume:  defaultLocalVolume,
		RemoteVolume: defaultRemoteVolume,
		SortMode:     library.SortByName,
	}
}

func setPreferenceDefaults(v *viper.Viper) {
	defaults := defaultPreferences()

	v.SetDefault(prefKeyLocalVolume, defaults.LocalVolume)
	v.SetDefault(prefKeyRemoteVolume, defaults.RemoteVolume)
	v.SetDefault(prefKeySortMode, defaults.SortMode)
}

func (p *Preferences) normalize() {
	p.LocalVolume = clampVolume(p.LocalVolume)
	p.RemoteVolume = clampVolume(p.RemoteVolume)
	p.Favorites = funk.UniqString(p.Favorites)

	if p.SortMode != library.SortByLastAdded {
		p.SortMode = library.SortByName
	}
}

func (p Preferences) masterVolume(isLocal bool) float64 {
	if isLocal {
		return p.LocalVolume
	}

	return p.RemoteVolume
}

func clampVolume(percent float64) float64 {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}

	return percent
}

// Preferences returns a copy of the current preferences
func (cc *ConfigManager) Preferences() Preferences {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	prefs := cc.preferences
	prefs.Favorites = append([]string(nil), cc.preferences.Favorites...)

	return prefs
}

// UpdatePreferences applies change to the preferences and writes them to disk
func (cc *ConfigManager) UpdatePreferences(change func(*Preferences)) (Preferences, error) {
	cc.lock.Lock()
	prefs := cc.preferences
	prefs.Favorites = append([]string(nil), cc.preferences.Favorites...)
	change(&prefs)
	prefs.normalize()
	cc.preferences = prefs
	cc.lock.Unlock()

	if err := writePreferences(cc.preferencesPath(), prefs); err != nil {
		cc.logger.Warnw("Failed to save preferences", "error", err)
		return prefs, err
	}

	cc.logger.Debugw("Saved preferences", "preferences", prefs)

	return prefs, nil
}

func (cc *ConfigManager) preferencesPath() string {
	if used := cc.internalConfig.ConfigFileUsed(); used != "" {
		return used
	}

	return filepath.Join(appDirectory, internalConfigFilename)
}

// writePreferences replaces the file in one rename so a crash never leaves it half written
func writePreferences(path string, prefs Preferences) error {
	data, err := yaml.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	if err := util.EnsureDirExists(filepath.Dir(path)); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}

	return nil
}
