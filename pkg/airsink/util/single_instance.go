package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
)

// EnsureSingleInstance guards against a second copy of the app running at
// the same time. It scans the process table for another live process with
// our executable name, then takes a pid lock file as a tiebreaker for
// platforms where the scan is unreliable
func EnsureSingleInstance(name string) error {
	self := os.Getpid()

	processes, err := ps.Processes()
	if err == nil {
		for _, process := range processes {
			if process.Pid() == self {
				continue
			}

			executable := strings.TrimSuffix(strings.ToLower(process.Executable()), ".exe")
			if executable == strings.ToLower(name) {
				return fmt.Errorf("another instance of %s is already running (pid %d)", name, process.Pid())
			}
		}
	}

	return takePidLock(name, self)
}

func takePidLock(name string, pid int) error {
	lockFile := filepath.Join(os.TempDir(), name+".lock")

	contents, err := os.ReadFile(lockFile)
	if err == nil && len(contents) > 0 {
		lockPid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
		if err == nil && lockPid != pid {
			if process, err := os.FindProcess(lockPid); err == nil {
				if alive, _ := ps.FindProcess(lockPid); alive != nil {
					_ = process.Release()
					return fmt.Errorf("another instance of %s is already running (pid %d)", name, lockPid)
				}

				_ = process.Release()
			}
		}
	}

	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(pid)), 0o664); err != nil {
		return fmt.Errorf("write pid lock file: %w", err)
	}

	return nil
}
