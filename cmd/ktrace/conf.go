// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/cilium/ktrace/pkg/defaults"
	"github.com/cilium/ktrace/pkg/option"
)

var (
	defaultConfDir    = defaults.DefaultConfDir
	defaultConfDropIn = defaults.DefaultConfDropIn
)

func readConfigFile(path string, file string) error {
	filePath := filepath.Join(path, file)
	st, err := os.Stat(filePath)
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("failed to read config file '%s' not a regular file", file)
	}

	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func readConfigDir(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("'%s' is not a directory", path)
	}

	cm, err := option.ReadDirConfig(path)
	if err != nil {
		return err
	}
	if err := viper.MergeConfigMap(cm); err != nil {
		return fmt.Errorf("merge config failed %v", err)
	}
	return nil
}

// readConfigSettings merges, in increasing priority, the ktrace.yaml of
// the current directory, the one of confDir, the drop-in directory and the
// directory given with --config-dir.
func readConfigSettings(confDir string, confDropIn string) {
	viper.SetConfigName("ktrace")
	viper.SetConfigType("yaml")

	// Look into cwd first, this is needed for quick development only
	readConfigFile(".", "ktrace.yaml")

	if err := readConfigFile(confDir, "ktrace.yaml"); err == nil {
		log.WithField("file", filepath.Join(confDir, "ktrace.yaml")).Debug("Loaded config file")
	}
	if err := readConfigDir(confDropIn); err == nil {
		log.WithField("dir", confDropIn).Debug("Loaded config drop-in directory")
	}

	if viper.IsSet(option.KeyConfigDir) {
		dir := viper.GetString(option.KeyConfigDir)
		if err := readConfigDir(dir); err != nil {
			log.WithField(option.KeyConfigDir, dir).WithError(err).Fatal("Failed to read config from directory")
		}
	}
}
