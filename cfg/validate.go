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
	"fmt"
	"os"
)

var validSeverities = map[string]bool{
	"TRACE":   true,
	"DEBUG":   true,
	"INFO":    true,
	"WARNING": true,
	"ERROR":   true,
	"OFF":     true,
}

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidFileSystemConfig(c *FileSystemConfig) error {
	if os.FileMode(c.FileMode)&^os.ModePerm != 0 {
		return fmt.Errorf("illegal file-mode: %o", int(c.FileMode))
	}
	if os.FileMode(c.DirMode)&^os.ModePerm != 0 {
		return fmt.Errorf("illegal dir-mode: %o", int(c.DirMode))
	}
	return nil
}

func isValidCacheConfig(c *CacheConfig) error {
	if c.MaxSizeBytes <= 0 {
		return fmt.Errorf("max-size-bytes must be positive")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if !validSeverities[config.Logging.Severity] {
		return fmt.Errorf("invalid log severity: %q", config.Logging.Severity)
	}

	if err = isValidFileSystemConfig(&config.FileSystem); err != nil {
		return fmt.Errorf("error parsing file-system config: %w", err)
	}

	if err = isValidCacheConfig(&config.Cache); err != nil {
		return fmt.Errorf("error parsing cache config: %w", err)
	}

	return nil
}
