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

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultMaxCacheSize is the eviction budget applied when none is given.
const DefaultMaxCacheSize int64 = 20 << 20

type Config struct {
	Foreground bool `yaml:"foreground"`

	Cache CacheConfig `yaml:"cache"`

	Stats StatsConfig `yaml:"stats"`

	Logging LoggingConfig `yaml:"logging"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Debug DebugConfig `yaml:"debug"`
}

type CacheConfig struct {
	// Where cached copies live. Empty means the per-user default derived
	// from the source directory; see Rationalize.
	Dir ResolvedPath `yaml:"dir"`

	MaxSizeBytes int64 `yaml:"max-size-bytes"`

	// Bypass the cache layer entirely; reads always go to the source.
	PassThrough bool `yaml:"pass-through"`

	// If set, the cache index is loaded from here at mount time and saved
	// back at unmount.
	StateFile ResolvedPath `yaml:"state-file"`
}

type StatsConfig struct {
	// CSV sink path; empty disables statistics logging.
	File ResolvedPath `yaml:"file"`
}

type LoggingConfig struct {
	FilePath ResolvedPath `yaml:"file-path"`

	Severity string `yaml:"severity"`

	Format string `yaml:"format"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	MaxFileSizeMb int `yaml:"max-file-size-mb"`

	BackupFileCount int `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`
}

type FileSystemConfig struct {
	Uid int64 `yaml:"uid"`

	Gid int64 `yaml:"gid"`

	FileMode Octal `yaml:"file-mode"`

	DirMode Octal `yaml:"dir-mode"`

	FuseOptions []string `yaml:"fuse-options"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("cache-dir", "", "", "Directory where cached copies live. Defaults to a per-mount directory under ~/.vcachefs.")

	err = viper.BindPFlag("cache.dir", flagSet.Lookup("cache-dir"))
	if err != nil {
		return err
	}

	flagSet.Int64P("max-cache-size", "", DefaultMaxCacheSize, "Cache byte budget; the oldest evictable files are removed to stay under it.")

	err = viper.BindPFlag("cache.max-size-bytes", flagSet.Lookup("max-cache-size"))
	if err != nil {
		return err
	}

	flagSet.BoolP("pass-through", "", false, "Disable caching; serve every read from the source.")

	err = viper.BindPFlag("cache.pass-through", flagSet.Lookup("pass-through"))
	if err != nil {
		return err
	}

	flagSet.StringP("cache-state-file", "", "", "Path for the durable cache index, loaded at mount and saved at unmount.")

	err = viper.BindPFlag("cache.state-file", flagSet.Lookup("cache-state-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("stats-file", "", "", "Write one CSV row per operation to this path.")

	err = viper.BindPFlag("stats.file", flagSet.Lookup("stats-file"))
	if err != nil {
		return err
	}

	flagSet.BoolP("foreground", "", false, "Stay in the foreground after mounting.")

	err = viper.BindPFlag("foreground", flagSet.Lookup("foreground"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Log to this file, rotating as configured, instead of stderr.")

	err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "json", "Log format: json or text.")

	err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR or OFF.")

	err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	flagSet.IntP("log-rotate-max-file-size-mb", "", 512, "Maximum log file size in MiB before rotation.")

	err = viper.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-rotate-max-file-size-mb"))
	if err != nil {
		return err
	}

	flagSet.IntP("log-rotate-backup-file-count", "", 10, "Number of rotated log files to retain; 0 retains all.")

	err = viper.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-rotate-backup-file-count"))
	if err != nil {
		return err
	}

	flagSet.BoolP("log-rotate-compress", "", false, "Compress rotated log files.")

	err = viper.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-rotate-compress"))
	if err != nil {
		return err
	}

	flagSet.Int64P("uid", "", -1, "UID owner of all inodes; -1 passes the source's ownership through.")

	err = viper.BindPFlag("file-system.uid", flagSet.Lookup("uid"))
	if err != nil {
		return err
	}

	flagSet.Int64P("gid", "", -1, "GID owner of all inodes; -1 passes the source's ownership through.")

	err = viper.BindPFlag("file-system.gid", flagSet.Lookup("gid"))
	if err != nil {
		return err
	}

	flagSet.StringP("file-mode", "", "", "Permission bits for files, in octal; empty passes the source's mode through.")

	err = viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode"))
	if err != nil {
		return err
	}

	flagSet.StringP("dir-mode", "", "", "Permission bits for directories, in octal; empty passes the source's mode through.")

	err = viper.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode"))
	if err != nil {
		return err
	}

	flagSet.StringArrayP("o", "o", nil, "Additional system-specific mount options. Multiple uses allowed.")

	err = viper.BindPFlag("file-system.fuse-options", flagSet.Lookup("o"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Panic when internal invariants are violated.")

	err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a mutex is held too long.")

	err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex"))
	if err != nil {
		return err
	}

	return nil
}
