// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/viper"

	pecoff "github.com/saferwall/pecoffloader"
)

type config struct {
	// MaxRelocEntries caps the relocation entries RelocateImage will walk
	// before giving up on a corrupted image.
	MaxRelocEntries uint32 `mapstructure:"max_reloc_entries" default:"1048576"`

	// StrictSubsystem rejects machine types and subsystems outside the EFI
	// sets. Turning it off lets the info command describe foreign images.
	StrictSubsystem bool `mapstructure:"strict_subsystem" default:"true"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" default:"warn"`
}

func loadConfig(path string) (*config, error) {
	config := &config{}

	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
		}
		if err := viper.Unmarshal(config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	viper.SetEnvPrefix("PELOADER")
	viper.AutomaticEnv()
	if v := viper.GetString("log_level"); v != "" {
		config.LogLevel = v
	}

	return config, nil
}

func (c *config) logLevel() log.Level {
	switch c.LogLevel {
	case "debug":
		return log.LevelDebug
	case "info":
		return log.LevelInfo
	case "error":
		return log.LevelError
	default:
		return log.LevelWarn
	}
}

func (c *config) loaderOptions() *pecoff.Options {
	logger := log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(c.logLevel()))
	return &pecoff.Options{
		MaxRelocEntriesCount: c.MaxRelocEntries,
		StrictSubsystem:      c.StrictSubsystem,
		Logger:               logger,
	}
}
