/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2023. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package config holds zfsd's compile-time tunables (spec section
// "External Interfaces / Tunables") and an optional TOML override file,
// in the same style the teacher daemon loads its snapshotter config.
package config

import (
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

const (
	// DefaultGracePeriod is the soft-error coalescing window (spec §4.5.2).
	DefaultGracePeriod = 60 * time.Second

	// DefaultMaxEventSize bounds a single event line; events longer than
	// this are truncated at a key/value boundary (spec §4.1).
	DefaultMaxEventSize = 8 * 1024
	// DefaultMinEventSize is the smallest chunk the Event Buffer will
	// attempt to parse before asking for more data.
	DefaultMinEventSize = 64
	// DefaultBufferCapacity is the Event Buffer's minimum backing
	// capacity (spec §4.1).
	DefaultBufferCapacity = 64 * 1024

	// DefaultDegradeIOCount is ZFS_DEGRADE_IO_COUNT, the pool library's
	// committed soft-error threshold (spec §4.5.3). The real constant
	// lives in the pool library; this is the typical value quoted in
	// spec §6.
	DefaultDegradeIOCount = 50

	// DefaultReconnectBackoff is how long the event loop sleeps between
	// failed transport connection attempts (spec §4.7).
	DefaultReconnectBackoff = 30 * time.Second

	// DefaultCaseFileDir is where per-vdev case files are persisted
	// (spec §4.6/§6).
	DefaultCaseFileDir = "/etc/zfs/cases"

	// DefaultTransportSocket is the kernel event transport's local
	// socket path (spec §6).
	DefaultTransportSocket = "/var/run/devd.pipe"

	// DefaultPIDFile is where zfsd records its own PID (spec §6).
	DefaultPIDFile = "/var/run/zfsd.pid"

	DefaultLogLevel = "info"
	DefaultLogDir   = "/var/log/zfsd"
)

// Config is the daemon's full set of tunables. Fields tagged `toml:"-"`
// are set only from the command line, never from a config file, the
// same split the teacher's Config struct makes between startup flags
// and persisted settings.
type Config struct {
	TransportSocket  string        `toml:"transport_socket"`
	CaseFileDir      string        `toml:"case_file_dir"`
	PIDFile          string        `toml:"pid_file"`
	GracePeriod      time.Duration `toml:"grace_period"`
	MaxEventSize     int           `toml:"max_event_size"`
	MinEventSize     int           `toml:"min_event_size"`
	BufferCapacity   int           `toml:"buffer_capacity"`
	DegradeIOCount   int           `toml:"degrade_io_count"`
	ReconnectBackoff time.Duration `toml:"reconnect_backoff"`
	LogLevel         string        `toml:"log_level"`
	LogDir           string        `toml:"log_dir"`
	LogToStdout      bool          `toml:"log_to_stdout"`
	Debug            bool          `toml:"-"`
}

// FillUpWithDefaults fills every zero-valued field with the compiled-in
// default, following the teacher's FillUpWithDefaults convention.
func (c *Config) FillUpWithDefaults() {
	if c.TransportSocket == "" {
		c.TransportSocket = DefaultTransportSocket
	}
	if c.CaseFileDir == "" {
		c.CaseFileDir = DefaultCaseFileDir
	}
	if c.PIDFile == "" {
		c.PIDFile = DefaultPIDFile
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxEventSize == 0 {
		c.MaxEventSize = DefaultMaxEventSize
	}
	if c.MinEventSize == 0 {
		c.MinEventSize = DefaultMinEventSize
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = DefaultBufferCapacity
	}
	if c.DegradeIOCount == 0 {
		c.DegradeIOCount = DefaultDegradeIOCount
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
}

// Validate enforces the minimums spec §4.1 places on buffer sizing.
func (c *Config) Validate() error {
	if c.MaxEventSize < 8*1024 {
		return errors.Errorf("max_event_size must be >= %s, got %s",
			units.BytesSize(8*1024), units.BytesSize(float64(c.MaxEventSize)))
	}
	if c.MinEventSize < 64 {
		return errors.Errorf("min_event_size must be >= %d bytes, got %d", 64, c.MinEventSize)
	}
	if c.BufferCapacity < DefaultBufferCapacity {
		return errors.Errorf("buffer_capacity must be >= %s, got %s",
			units.BytesSize(DefaultBufferCapacity), units.BytesSize(float64(c.BufferCapacity)))
	}
	if c.MinEventSize > c.MaxEventSize {
		return errors.New("min_event_size must not exceed max_event_size")
	}
	return nil
}

// LoadFile reads a TOML config file. A missing file is not an error:
// the caller gets a zero Config and should call FillUpWithDefaults.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}

	return &cfg, nil
}
