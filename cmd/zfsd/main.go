/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/freebsd/zfsd/config"
	"github.com/freebsd/zfsd/internal/logging"
	"github.com/freebsd/zfsd/pkg/errdefs"
	"github.com/freebsd/zfsd/pkg/pidfile"
	"github.com/freebsd/zfsd/pkg/poolview/zpool"
	"github.com/freebsd/zfsd/pkg/zfsd"
)

func main() {
	flags := NewFlags()
	app := &cli.App{
		Name:        "zfsd",
		Usage:       "ZFS storage-pool fault management daemon",
		Version:     Version,
		Flags:       flags.F,
		HideVersion: true,
		Action: func(c *cli.Context) error {
			if flags.Args.PrintVersion {
				fmt.Println("Version:    ", Version)
				fmt.Println("Reversion:  ", Reversion)
				fmt.Println("Go version: ", GoVersion)
				fmt.Println("Build time: ", BuildTimestamp)
				return nil
			}
			return run(flags.Args)
		},
	}
	if err := app.Run(os.Args); err != nil {
		if errdefs.IsConnectionClosed(err) {
			logrus.Info("zfsd: transport closed, exiting")
		} else {
			logrus.WithError(err).Fatal("zfsd: fatal error")
		}
	}
}

func run(args *Args) error {
	cfg, err := config.LoadFile(args.ConfigPath)
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	args.applyTo(cfg)
	cfg.FillUpWithDefaults()
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	if err := logging.SetUp(cfg.LogLevel, cfg.LogToStdout, cfg.LogDir, &logging.RotateLogArgs{
		RotateLogMaxSize:    500,
		RotateLogMaxBackups: 3,
		RotateLogMaxAge:     28,
		RotateLogCompress:   true,
	}); err != nil {
		return errors.Wrap(err, "set up logging")
	}
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	pid, err := pidfile.Open(cfg.PIDFile)
	if err != nil {
		return errors.Wrap(err, "acquire pid file")
	}

	logrus.Infof("zfsd: starting, pid %d, case dir %s", os.Getpid(), cfg.CaseFileDir)

	view := zpool.New()
	d := zfsd.New(*cfg, view, pid)

	return d.Run(context.Background(), func() (zfsd.Transport, error) {
		return zfsd.DialUnix(cfg.TransportSocket)
	})
}
