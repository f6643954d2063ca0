package util

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
)

// ErrAlreadyRunning is returned by CreateMutex when another live process holds the lock
var ErrAlreadyRunning = errors.New("another instance of bonk is running")

// well-known install locations, checked before $PATH
var binaryDirs = []string{"/usr/bin", "/bin", "/usr/local/bin", "/usr/sbin"}

// FindBinary resolves an executable by name, returning its absolute path or "" if it can't be found.
// Absolute or relative paths are accepted as long as they point to an executable file
func FindBinary(name string) string {
	if strings.ContainsRune(name, filepath.Separator) {
		if isExecutable(name) {
			abs, err := filepath.Abs(name)
			if err == nil {
				return abs
			}
			return name
		}
		return ""
	}

	for _, dir := range binaryDirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate
		}
	}

	if found, err := exec.LookPath(name); err == nil {
		return found
	}

	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	return info.Mode()&0111 != 0
}

// CreateMutex takes a pid lock file at <name>.lock, failing if the pid stored there
// belongs to a live process running the same executable as us
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil {
		if len(lockContent) > 0 && string(lockContent) != strconv.Itoa(currentPid) {
			lockProcessId, _ := strconv.Atoi(string(lockContent))
			if lockHolderRunning(lockProcessId) {
				return ErrAlreadyRunning
			}
		}
	}

	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0664)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if _, err = f.WriteString(strconv.Itoa(currentPid)); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}

	return nil
}

// lockHolderRunning reports whether pid is alive and is another copy of this program.
// A pid reused by an unrelated process counts as a stale lock
func lockHolderRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	holder, err := ps.FindProcess(pid)
	if err != nil || holder == nil {
		return false
	}

	self, err := ps.FindProcess(os.Getpid())
	if err != nil || self == nil {
		return true
	}

	return holder.Executable() == self.Executable()
}

// ReleaseMutex removes the lock file taken by CreateMutex
func ReleaseMutex(name string) {
	_ = os.Remove(name + ".lock")
}
