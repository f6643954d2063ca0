package bonk

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/MixyLabs/bonk/pkg/bonk/util"
)

//go:embed assets/bonk.png
var BonkLogoIconData []byte

const notificationIconFilename = "bonk.png"

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications through the desktop's notification daemon
type ToastNotifier struct {
	logger   *zap.SugaredLogger
	iconPath string
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")

	tn := &ToastNotifier{logger: logger}

	// the daemon wants a path, so the embedded icon is written out once
	if err := util.EnsureDirExists(appDirectory); err != nil {
		return nil, fmt.Errorf("ensure app directory exists: %w", err)
	}

	iconPath := filepath.Join(appDirectory, notificationIconFilename)
	if err := os.WriteFile(iconPath, BonkLogoIconData, 0o644); err != nil {
		logger.Warnw("Failed to write notification icon", "path", iconPath, "error", err)
	} else {
		tn.iconPath = iconPath
	}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification, failures are only logged
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, tn.iconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
