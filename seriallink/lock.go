package seriallink

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const cmdlineFile = "/proc/cmdline"

type UnavailableError struct {
	msg string
}

func (e *UnavailableError) Error() string {
	return e.msg
}

func NewUnavailableError(msg string) error {
	return &UnavailableError{msg: msg}
}

// InUseFromTerminal checks if the kernel console has been attached to the serial device.
func InUseFromTerminal(device string, log *logrus.Logger) bool {
	if log == nil {
		log = logrus.New()
	}
	b, err := os.ReadFile(cmdlineFile)
	if err != nil {
		log.Printf("Error when reading %s: %s", cmdlineFile, err)
		return false
	}
	return strings.Contains(string(b), "console="+filepath.Base(device))
}

// lockDevice will try to get an exclusive file lock on the serial device.
// releaseDevice should be called to release the lock and close the file.
func lockDevice(device string, retries int, wait time.Duration, log *logrus.Logger) (*os.File, error) {
	if log == nil {
		log = logrus.New()
	}
	if InUseFromTerminal(device, log) {
		return nil, NewUnavailableError(fmt.Sprintf("%s is in use by the terminal console", device))
	}

	f, err := os.OpenFile(device, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	lockAcquired := false
	defer func() {
		if !lockAcquired {
			f.Close()
		}
	}()

	i := retries
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			lockAcquired = true
			return f, nil
		}

		errno, ok := err.(syscall.Errno)
		if !ok || errno != syscall.EWOULDBLOCK {
			return nil, err
		}

		process, err := getLockingProcess(device)
		if err != nil {
			log.Printf("Error checking locking process: %v", err)
		} else if process != "" {
			log.Printf("Serial device is locked by process: %s", strings.TrimSpace(process))
		}

		if i <= 0 {
			return nil, NewUnavailableError("failed to get lock on serial, might be in use by other process")
		}
		log.Printf("Serial device is locked. Retrying %d more times in %s...", i, wait)
		sleepFn(wait)
		i--
	}
}

func getLockingProcess(device string) (string, error) {
	cmd := exec.Command("fuser", device)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok && exitError.ExitCode() == 1 {
			// Exit code 1 from fuser means no process is using the file.
			return "", nil
		}
		return "", fmt.Errorf("failed to execute fuser: %v", err)
	}
	return output.String(), nil
}

func releaseDevice(f *os.File) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
	return err
}
