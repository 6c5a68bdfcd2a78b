/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"github.com/urfave/cli/v2"

	"github.com/freebsd/zfsd/config"
)

// Args mirrors the teacher's command.Args: every command-line knob in
// one struct, with urfave/cli writing straight into its fields via
// Destination.
type Args struct {
	ConfigPath      string
	TransportSocket string
	CaseFileDir     string
	PIDFile         string
	LogLevel        string
	LogDir          string
	LogToStdout     bool
	Debug           bool
	PrintVersion    bool
}

// Flags bundles the parsed Args with the cli.Flag list that fills
// them in.
type Flags struct {
	Args *Args
	F    []cli.Flag
}

// NewFlags builds the flag set zfsd's entrypoint registers.
func NewFlags() *Flags {
	args := &Args{}
	return &Flags{
		Args: args,
		F: []cli.Flag{
			&cli.BoolFlag{
				Name:        "version",
				Usage:       "print version and exit",
				Destination: &args.PrintVersion,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the zfsd TOML configuration file",
				Value:       "/etc/zfsd/zfsd.toml",
				Destination: &args.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "transport-socket",
				Usage:       "path to the kernel event transport socket",
				Destination: &args.TransportSocket,
			},
			&cli.StringFlag{
				Name:        "case-dir",
				Usage:       "directory where per-vdev case files are persisted",
				Destination: &args.CaseFileDir,
			},
			&cli.StringFlag{
				Name:        "pid-file",
				Usage:       "path to zfsd's PID file",
				Destination: &args.PIDFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level: trace, debug, info, warn, error",
				Destination: &args.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-dir",
				Usage:       "directory for rotated log files",
				Destination: &args.LogDir,
			},
			&cli.BoolFlag{
				Name:        "log-to-stdout",
				Usage:       "write logs to stdout instead of a rotated file",
				Destination: &args.LogToStdout,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "enable debug-level logging",
				Destination: &args.Debug,
			},
		},
	}
}

// applyTo overlays command-line overrides onto a config file-sourced
// Config, following the teacher's SetStartupParameter precedence:
// explicit flags win over file values.
func (a *Args) applyTo(cfg *config.Config) {
	if a.TransportSocket != "" {
		cfg.TransportSocket = a.TransportSocket
	}
	if a.CaseFileDir != "" {
		cfg.CaseFileDir = a.CaseFileDir
	}
	if a.PIDFile != "" {
		cfg.PIDFile = a.PIDFile
	}
	if a.LogLevel != "" {
		cfg.LogLevel = a.LogLevel
	}
	if a.LogDir != "" {
		cfg.LogDir = a.LogDir
	}
	if a.LogToStdout {
		cfg.LogToStdout = true
	}
	if a.Debug {
		cfg.Debug = true
	}
}
