// Package util collects small ambient helpers shared across the daemon:
// home-directory resolution and a registry of resources to flush on shutdown.
package util

import (
	"io"
	"os"
	"sync"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// UserHome returns the current user's home directory, falling back to
// $HOME/$USERPROFILE and finally the working directory rather than
// panicking during package initialization.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		log.WithError(err).Warn("os.UserHomeDir failed, falling back to $HOME")
		return home
	}
	if home := os.Getenv("USERPROFILE"); home != "" {
		log.WithError(err).Warn("os.UserHomeDir failed, falling back to USERPROFILE")
		return home
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("os.UserHomeDir and $HOME unavailable; falling back to working directory")
		return wd
	}
	panic("meshnet: unable to determine home directory; set $HOME")
}

var (
	closeOnExit []io.Closer
	closeMutex  sync.Mutex
)

// RegisterCloser registers an io.Closer to be closed during shutdown.
func RegisterCloser(c io.Closer) {
	closeMutex.Lock()
	defer closeMutex.Unlock()
	closeOnExit = append(closeOnExit, c)
}

// CloseAll closes every registered io.Closer and clears the registry.
func CloseAll() {
	closeMutex.Lock()
	defer closeMutex.Unlock()
	for _, c := range closeOnExit {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("error closing resource during shutdown")
		}
	}
	closeOnExit = nil
}
