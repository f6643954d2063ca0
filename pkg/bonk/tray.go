package bonk

import (
	"fmt"
	"strconv"
	"sync"

	"fyne.io/systray"
	"go.uber.org/zap"

	"github.com/MixyLabs/bonk/pkg/bonk/library"
	"github.com/MixyLabs/bonk/pkg/bonk/playback"
	"github.com/MixyLabs/bonk/pkg/bonk/routing"
	"github.com/MixyLabs/bonk/pkg/bonk/util"
)

const (
	// menus can't grow after the tray is up, so items come from fixed pools
	maxTraySounds      = 20
	maxTrayMicrophones = 10
)

var volumePresets = []float64{0, 25, 50, 80, 100}

// trayMenu holds the menu items that change while running
type trayMenu struct {
	logger *zap.SugaredLogger

	lock sync.Mutex

	playing *systray.MenuItem

	soundSlots []*systray.MenuItem
	sounds     []library.Sound

	defaultMic *systray.MenuItem
	micSlots   []*systray.MenuItem
	mics       []routing.Microphone

	localPresets  []*systray.MenuItem
	remotePresets []*systray.MenuItem
}

func (d *Bonk) initializeTray(onDone func()) {
	logger := d.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(BonkLogoIconData, BonkLogoIconData)
		systray.SetTitle("bonk")
		systray.SetTooltip("bonk")

		menu := &trayMenu{logger: logger}

		menu.playing = systray.AddMenuItem("Nothing playing", "")
		menu.playing.Disable()
		stopAll := systray.AddMenuItem("Stop all sounds", "Stop every playing sound")

		systray.AddSeparator()
		play := systray.AddMenuItem("Play", "Favourites first, then the sounds folder")
		for i := 0; i < maxTraySounds; i++ {
			slot := play.AddSubMenuItem("", "")
			slot.Hide()
			menu.soundSlots = append(menu.soundSlots, slot)
		}
		reloadSounds := systray.AddMenuItem("Re-scan sounds", "Pick up new files in the sounds folder")
		openSounds := systray.AddMenuItem("Open sounds folder", "Drop audio files here")

		systray.AddSeparator()
		micMenu := systray.AddMenuItem("Microphone", "Real microphone mixed into the virtual one")
		menu.defaultMic = micMenu.AddSubMenuItemCheckbox("System default", "Follow the default source", false)
		for i := 0; i < maxTrayMicrophones; i++ {
			slot := micMenu.AddSubMenuItemCheckbox("", "", false)
			slot.Hide()
			menu.micSlots = append(menu.micSlots, slot)
		}

		prefs := d.configMan.Preferences()
		localMenu := systray.AddMenuItem("Local volume", "How loud you hear sounds")
		remoteMenu := systray.AddMenuItem("Microphone volume", "How loud others hear sounds")
		for _, preset := range volumePresets {
			title := strconv.FormatFloat(preset, 'f', -1, 64) + "%"
			menu.localPresets = append(menu.localPresets,
				localMenu.AddSubMenuItemCheckbox(title, "", preset == prefs.LocalVolume))
			menu.remotePresets = append(menu.remotePresets,
				remoteMenu.AddSubMenuItemCheckbox(title, "", preset == prefs.RemoteVolume))
		}

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with a text editor")

		if d.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(d.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop bonk and quit")

		d.tray = menu
		d.refreshTraySounds()

		for i, slot := range menu.soundSlots {
			go func() {
				for range slot.ClickedCh {
					if sound, ok := menu.sound(i); ok {
						logger.Debugw("Sound menu item clicked", "sound", sound.Path)
						d.Play(sound.Path)
					}
				}
			}()
		}

		go func() {
			for range menu.defaultMic.ClickedCh {
				logger.Info("Default microphone selected")
				d.SetMicrophone("")
				menu.updateMicrophones(d.Microphones(), "")
			}
		}()

		for i, slot := range menu.micSlots {
			go func() {
				for range slot.ClickedCh {
					if mic, ok := menu.microphone(i); ok {
						logger.Infow("Microphone selected", "id", mic.ID)
						d.SetMicrophone(mic.ID)
						menu.updateMicrophones(d.Microphones(), mic.ID)
					}
				}
			}()
		}

		for i, preset := range volumePresets {
			go func() {
				for range menu.localPresets[i].ClickedCh {
					d.SetMasterVolume(true, preset)
					checkOnly(menu.localPresets, i)
				}
			}()
			go func() {
				for range menu.remotePresets[i].ClickedCh {
					d.SetMasterVolume(false, preset)
					checkOnly(menu.remotePresets, i)
				}
			}()
		}

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					d.signalStop()

				case <-stopAll.ClickedCh:
					logger.Info("Stop all menu item clicked")
					go d.StopAll()

				case <-reloadSounds.ClickedCh:
					logger.Info("Re-scan sounds menu item clicked")
					d.refreshTraySounds()

				case <-openSounds.ClickedCh:
					if err := util.OpenExternal(logger, "xdg-open", d.currConf().SoundsDir); err != nil {
						logger.Warnw("Failed to open sounds folder", "error", err)
					}

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					path := d.configMan.userConfig.ConfigFileUsed()
					if path == "" {
						d.notifier.Notify("No configuration file", "Create config.yaml in ~/.bonk to change the defaults.")
						continue
					}

					if err := util.OpenExternal(logger, "xdg-open", path); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (d *Bonk) stopTray() {
	d.logger.Debug("Quitting tray")
	systray.Quit()
}

// refreshTraySounds fills the play menu with favourites first, then everything else
func (d *Bonk) refreshTraySounds() {
	if d.tray == nil {
		return
	}

	favorites, err := d.Sounds("", library.FilterFavorites)
	if err != nil {
		d.tray.logger.Warnw("Failed to list favourite sounds", "error", err)
	}

	all, err := d.Sounds("", library.FilterAll)
	if err != nil {
		d.tray.logger.Warnw("Failed to list sounds", "error", err)
	}

	sounds := favorites
	for _, sound := range all {
		if !sound.Dir && !sound.Favorite {
			sounds = append(sounds, sound)
		}
	}

	d.tray.updateSounds(sounds)
}

func (t *trayMenu) updateSounds(sounds []library.Sound) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(sounds) > len(t.soundSlots) {
		sounds = sounds[:len(t.soundSlots)]
	}
	t.sounds = sounds

	for i, slot := range t.soundSlots {
		if i >= len(sounds) {
			slot.Hide()
			continue
		}

		title := sounds[i].Name
		if sounds[i].Favorite {
			title = "★ " + title
		}

		slot.SetTitle(title)
		slot.SetTooltip(sounds[i].Path)
		slot.Show()
	}

	t.logger.Debugw("Updated sound menu", "count", len(sounds))
}

func (t *trayMenu) sound(i int) (library.Sound, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if i >= len(t.sounds) {
		return library.Sound{}, false
	}

	return t.sounds[i], true
}

func (t *trayMenu) updateMicrophones(mics []routing.Microphone, selected string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(mics) > len(t.micSlots) {
		mics = mics[:len(t.micSlots)]
	}
	t.mics = mics

	setChecked(t.defaultMic, selected == "")

	for i, slot := range t.micSlots {
		if i >= len(mics) {
			slot.Hide()
			continue
		}

		slot.SetTitle(mics[i].Description)
		slot.SetTooltip(mics[i].ID)
		setChecked(slot, mics[i].ID == selected)
		slot.Show()
	}
}

func (t *trayMenu) microphone(i int) (routing.Microphone, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if i >= len(t.mics) {
		return routing.Microphone{}, false
	}

	return t.mics[i], true
}

func (t *trayMenu) updatePlaying(sessions []playback.Session) {
	title := "Nothing playing"
	if len(sessions) > 0 {
		title = fmt.Sprintf("Playing %d sound(s)", len(sessions))
	}

	t.playing.SetTitle(title)
	systray.SetTooltip("bonk - " + title)
}

func checkOnly(items []*systray.MenuItem, selected int) {
	for i, item := range items {
		setChecked(item, i == selected)
	}
}

func setChecked(item *systray.MenuItem, checked bool) {
	if checked {
		item.Check()
	} else {
		item.Uncheck()
	}
}
