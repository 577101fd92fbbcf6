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
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
)

// Rationalize fills in config values that are derived rather than given.
// Call after flags and config file are unmarshalled, with the canonicalized
// source directory.
func Rationalize(config *Config, sourceDir string) error {
	if config.Cache.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("deriving cache dir: %w", err)
		}

		// Distinct sources get distinct cache roots under the same home, so
		// two mounts never interleave their trees.
		config.Cache.Dir = ResolvedPath(filepath.Join(
			home,
			".vcachefs",
			fmt.Sprintf("%x", md5.Sum([]byte(sourceDir)))))
	}

	if config.Cache.MaxSizeBytes == 0 {
		config.Cache.MaxSizeBytes = DefaultMaxCacheSize
	}

	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}

	if config.Logging.Severity == "" {
		config.Logging.Severity = "INFO"
	}

	return nil
}
