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
	"path"

	"github.com/anaisbetts/vcachefs/cfg"
	"github.com/anaisbetts/vcachefs/internal/util"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	MountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "vcachefs [flags] source_dir mount_point",
	Short: "Mount a caching mirror of a slow or remote directory",
	Long: `vcachefs mirrors a read-only source tree onto a mount point while
copying files into a bounded local cache in the background, so that
repeated reads of large media files are served at local disk speed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		sourceDir, mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}

		if err := cfg.Rationalize(&MountConfig, sourceDir); err != nil {
			return err
		}
		if err := cfg.ValidateConfig(&MountConfig); err != nil {
			return err
		}

		return runMount(sourceDir, mountPoint, &MountConfig)
	},
}

func populateArgs(args []string) (
	sourceDir string,
	mountPoint string,
	err error) {
	if len(args) != 2 {
		err = fmt.Errorf(
			"%s takes two arguments. Run `%s --help` for more info.",
			path.Base(os.Args[0]),
			path.Base(os.Args[0]))
		return
	}

	// Canonicalize both paths, making them absolute. This is important when
	// daemonizing below, since the daemon will change its working directory
	// before running this code again.
	sourceDir, err = util.GetResolvedPath(args[0])
	if err != nil {
		err = fmt.Errorf("canonicalizing source dir: %w", err)
		return
	}

	mountPoint, err = util.GetResolvedPath(args[1])
	if err != nil {
		err = fmt.Errorf("canonicalizing mount point: %w", err)
		return
	}
	return
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config-file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func unmarshalConfig() error {
	return viper.Unmarshal(
		&MountConfig,
		viper.DecodeHook(cfg.DecodeHook()),
		func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" })
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = unmarshalConfig()
		return
	}

	// Use config file from the flag.
	cfgFile, err := util.GetResolvedPath(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("error while resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = unmarshalConfig()
}
