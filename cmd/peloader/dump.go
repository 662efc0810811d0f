// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func isDirectory(path string) bool {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fileInfo.IsDir()
}

// dumpTree walks a directory tree and runs the info pass over every regular
// file concurrently. Files that are not PE or TE images are skipped with a
// log line rather than failing the walk; firmware volumes routinely mix
// drivers with raw data blobs.
func dumpTree(root string, parallelism int, cfg *config) error {
	logger := log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout),
		log.FilterLevel(cfg.logLevel())))

	eg := &errgroup.Group{}
	eg.SetLimit(parallelism)

	err := filepath.Walk(root, func(path string, f os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if f.IsDir() || !f.Mode().IsRegular() {
			return nil
		}
		eg.Go(func() error {
			if err := infoImage(path, cfg); err != nil {
				logger.Infof("skipping %s: %v", path, err)
			}
			return nil
		})
		return nil
	})
	if err != nil {
		return err
	}
	return eg.Wait()
}

func newDumpCmd() *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Run the info pass over every file in a directory tree",
		Long:  "Walks a directory recursively and prints loader geometry for every PE or TE image found",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if !isDirectory(args[0]) {
				return infoImage(args[0], cfg)
			}
			return dumpTree(args[0], parallelism, cfg)
		},
	}
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", runtime.NumCPU(),
		"number of files to process concurrently")
	return cmd
}
