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
	"strconv"

	"github.com/anaisbetts/vcachefs/internal/util"
	"github.com/mitchellh/mapstructure"
)

// Octal is an int that parses from its octal string form, for mode bits.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	// The zero value stands for "not configured".
	if len(text) == 0 {
		*o = 0
		return nil
	}
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return fmt.Errorf("parsing octal value %q: %w", string(text), err)
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// ResolvedPath is a string path that is ~-expanded and made absolute while
// being parsed. The empty path stays empty.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	resolved, err := util.GetResolvedPath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(resolved)
	return nil
}

func (p ResolvedPath) MarshalText() ([]byte, error) {
	return []byte(p), nil
}

// DecodeHook is handed to viper.Unmarshal so the types above take part in
// config decoding.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
