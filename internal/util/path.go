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

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetResolvedPath expands a leading ~ and makes the path absolute. This is
// important when daemonizing, since the daemon changes its working directory
// before running the mount code again.
func GetResolvedPath(path string) (resolvedPath string, err error) {
	if path == "" {
		return "", nil
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		var home string
		home, err = os.UserHomeDir()
		if err != nil {
			err = fmt.Errorf("resolving home dir: %w", err)
			return
		}
		resolvedPath = filepath.Join(home, strings.TrimPrefix(path, "~"))
		return
	}

	resolvedPath, err = filepath.Abs(path)
	return
}

// Stringify renders a struct for logging at mount time.
func Stringify(v interface{}) string {
	return fmt.Sprintf("%+v", v)
}
