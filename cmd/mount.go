// Copyright 2024 Paul Betts. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/anaisbetts/vcachefs/cfg"
	"github.com/anaisbetts/vcachefs/internal/fs"
	"github.com/anaisbetts/vcachefs/internal/locker"
	"github.com/anaisbetts/vcachefs/internal/logger"
	"github.com/anaisbetts/vcachefs/internal/perms"
	"github.com/anaisbetts/vcachefs/internal/util"
	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/kardianos/osext"
	"golang.org/x/net/context"
)

const (
	successfulMountMessage         = "File system has been successfully mounted."
	unsuccessfulMountMessagePrefix = "Error while mounting vcachefs"
)

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func registerSIGINTHandler(mountPoint string) {
	// Register for SIGINT.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	// Start a goroutine that will unmount when the signal is received.
	go func() {
		for {
			<-signalChan
			logger.Info("Received SIGINT, attempting to unmount...")

			err := fuse.Unmount(mountPoint)
			if err != nil {
				logger.Errorf("Failed to unmount in response to SIGINT: %v", err)
			} else {
				logger.Infof("Successfully unmounted in response to SIGINT.")
				return
			}
		}
	}()
}

// parseOptions handles the repeated "-o" flag, accepting comma-separated
// key=value pairs the way mount(8) does.
func parseOptions(parsed map[string]string, opts []string) {
	for _, o := range opts {
		for _, piece := range strings.Split(o, ",") {
			key, value, _ := strings.Cut(piece, "=")
			if key == "" {
				continue
			}
			parsed[key] = value
		}
	}
}

////////////////////////////////////////////////////////////////////////
// main logic
////////////////////////////////////////////////////////////////////////

// mountWithConfig creates the server and mounts it, returning a
// fuse.MountedFileSystem that can be joined to wait for unmounting.
func mountWithConfig(
	ctx context.Context,
	sourceDir string,
	mountPoint string,
	config *cfg.Config) (mfs *fuse.MountedFileSystem, err error) {
	// Find the current process's UID and GID. If it was invoked as root and
	// the user hasn't explicitly overridden --uid, everything is going to be
	// owned by root. This is probably not what the user wants, so print a
	// warning.
	uid, gid, err := perms.MyUserAndGroup()
	if err != nil {
		err = fmt.Errorf("MyUserAndGroup: %w", err)
		return
	}

	if uid == 0 && config.FileSystem.Uid < 0 {
		fmt.Fprintln(os.Stdout, `
WARNING: vcachefs invoked as root. This will cause all files to be owned by
root. If this is not what you intended, invoke vcachefs as the user that will
be interacting with the file system.`)
	}

	// Choose UID and GID.
	if config.FileSystem.Uid >= 0 {
		uid = uint32(config.FileSystem.Uid)
	}
	if config.FileSystem.Gid >= 0 {
		gid = uint32(config.FileSystem.Gid)
	}

	serverCfg := &fs.ServerConfig{
		Clock:         timeutil.RealClock(),
		SourceRoot:    sourceDir,
		CacheRoot:     string(config.Cache.Dir),
		MaxCacheBytes: config.Cache.MaxSizeBytes,
		PassThrough:   config.Cache.PassThrough,
		StateFile:     string(config.Cache.StateFile),
		StatsFile:     string(config.Stats.File),
		Uid:           int64(uid),
		Gid:           int64(gid),
		FilePerms:     os.FileMode(config.FileSystem.FileMode),
		DirPerms:      os.FileMode(config.FileSystem.DirMode),
	}

	logger.Infof("Creating a new server...")
	server, err := fs.NewServer(serverCfg)
	if err != nil {
		err = fmt.Errorf("fs.NewServer: %w", err)
		return
	}

	parsedOptions := make(map[string]string)
	parseOptions(parsedOptions, config.FileSystem.FuseOptions)

	mountCfg := &fuse.MountConfig{
		FSName:      "vcachefs",
		Subtype:     "vcachefs",
		VolumeName:  "vcachefs",
		ReadOnly:    true,
		Options:     parsedOptions,
		ErrorLogger: logger.NewLegacyLogger(logger.LevelError, "fuse: "),
	}
	if config.Logging.Severity == logger.TRACE {
		mountCfg.DebugLogger = logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: ")
	}

	logger.Infof("Mounting file system at %q...", mountPoint)
	mfs, err = fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		err = fmt.Errorf("mount: %w", err)
		return
	}

	return
}

func runMount(sourceDir string, mountPoint string, config *cfg.Config) (err error) {
	// Enable invariant checking if requested.
	if config.Debug.ExitOnInvariantViolation {
		locker.EnableInvariantsCheck()
		syncutil.EnableInvariantChecking()
	}
	if config.Debug.LogMutex {
		locker.EnableDebugMessages()
	}

	logger.SetLogFormat(config.Logging.Format)
	logger.SetLogSeverity(config.Logging.Severity)

	logger.Infof("Mounting %q with config: %s", sourceDir, util.Stringify(*config))

	// If we haven't been asked to run in foreground mode, run a daemon with
	// the foreground flag set and wait for it to mount.
	if !config.Foreground {
		// Find the executable.
		var path string
		path, err = osext.Executable()
		if err != nil {
			return fmt.Errorf("osext.Executable: %w", err)
		}

		// Set up arguments. Be sure to use foreground mode, and to send along
		// the potentially-modified mount point.
		args := append([]string{"--foreground"}, os.Args[1:]...)
		args[len(args)-1] = mountPoint

		// Pass along PATH so that the daemon can find fusermount, and HOME so
		// the default cache dir resolves identically.
		env := []string{
			fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
		}
		if homeDir, homeErr := os.UserHomeDir(); homeErr == nil {
			env = append(env, fmt.Sprintf("HOME=%s", homeDir))
		}
		env = append(env, fmt.Sprintf("%s=true", logger.InBackgroundMode))

		// Run.
		err = daemonize.Run(path, args, env, os.Stdout, os.Stderr)
		if err != nil {
			return fmt.Errorf("daemonize.Run: %w", err)
		}
		logger.Infof(successfulMountMessage)
		return
	}

	if config.Logging.FilePath != "" {
		err = logger.InitLogFile(
			string(config.Logging.FilePath),
			config.Logging.Format,
			config.Logging.Severity,
			logger.RotateConfig{
				MaxFileSizeMB:   config.Logging.LogRotate.MaxFileSizeMb,
				BackupFileCount: config.Logging.LogRotate.BackupFileCount,
				Compress:        config.Logging.LogRotate.Compress,
			})
		if err != nil {
			return fmt.Errorf("init log file: %w", err)
		}
	}

	// Mount, telling package daemonize about the outcome so a waiting parent
	// can report it.
	var mfs *fuse.MountedFileSystem
	mfs, err = mountWithConfig(context.Background(), sourceDir, mountPoint, config)
	if err != nil {
		logger.Errorf("%s: %v", unsuccessfulMountMessagePrefix, err)
		err = fmt.Errorf("%s: %w", unsuccessfulMountMessagePrefix, err)
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logger.Errorf("Failed to signal error to parent process: %v", err2)
		}
		return
	}

	logger.Info(successfulMountMessage)
	if err2 := daemonize.SignalOutcome(nil); err2 != nil {
		logger.Errorf("Failed to signal outcome to parent process: %v", err2)
	}

	// Let the user unmount with Ctrl-C (SIGINT).
	registerSIGINTHandler(mfs.Dir())

	// Wait for the file system to be unmounted.
	err = mfs.Join(context.Background())
	if err != nil {
		err = fmt.Errorf("MountedFileSystem.Join: %w", err)
		return
	}

	return
}
