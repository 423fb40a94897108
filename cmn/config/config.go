// Package config owns process-wide configuration behind a global
// config-owner. Values are loaded with viper and may be hot-reloaded via
// fsnotify.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/cyclonedds-go/ddscore/cmn/nlog"
)

// Config holds the tunables for every component in this repository.
type Config struct {
	Arena struct {
		RbufSize     int `mapstructure:"rbuf_size"`      // default 1 MiB
		MaxRmsgSize  int `mapstructure:"max_rmsg_size"`   // worst-case single message
	} `mapstructure:"arena"`

	Defrag struct {
		MaxSamples int    `mapstructure:"max_samples"`
		DropPolicy string `mapstructure:"drop_policy"` // "oldest" | "latest"
	} `mapstructure:"defrag"`

	Reorder struct {
		MaxSamples  int    `mapstructure:"max_samples"`
		Mode        string `mapstructure:"mode"` // "normal" | "monotonic" | "always"
		LateAckMode bool   `mapstructure:"late_ack_mode"`
	} `mapstructure:"reorder"`

	Dqueue struct {
		MaxSamples int `mapstructure:"max_samples"`
	} `mapstructure:"dqueue"`

	Admin struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"admin"`

	Log struct {
		Level     string `mapstructure:"level"`
		Verbosity int    `mapstructure:"verbosity"`
	} `mapstructure:"log"`
}

func defaults() *Config {
	c := &Config{}
	c.Arena.RbufSize = 1 << 20
	c.Arena.MaxRmsgSize = 64 << 10
	c.Defrag.MaxSamples = 1024
	c.Defrag.DropPolicy = "oldest"
	c.Reorder.MaxSamples = 1024
	c.Reorder.Mode = "normal"
	c.Dqueue.MaxSamples = 4096
	c.Admin.Listen = ":9441"
	c.Log.Level = "info"
	return c
}

// owner is the global config-owner.
type owner struct {
	cur atomic.Pointer[Config]
	v   *viper.Viper
}

// GCO is the process-wide config owner.
var GCO = &owner{}

func init() {
	GCO.cur.Store(defaults())
}

// Get returns the current config snapshot. Safe for concurrent use; callers
// should not mutate the returned pointer.
func (o *owner) Get() *Config { return o.cur.Load() }

// Load reads configuration from the given file (any format viper supports:
// yaml, json, toml) over the built-in defaults, and, if watch is true,
// hot-reloads on change via fsnotify (wired in by viper.WatchConfig).
func (o *owner) Load(path string, watch bool) error {
	v := viper.New()
	v.SetConfigFile(path)
	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}

	cfg := defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return errors.Wrap(err, "config: unmarshal")
	}
	o.v = v
	o.cur.Store(cfg)
	nlog.SetLevel(cfg.Log.Level)
	nlog.Rom.SetVerbosity(cfg.Log.Verbosity)

	if watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			nlog.Infoln("config: reload triggered by", e.Name)
			next := defaults()
			if err := v.Unmarshal(next); err != nil {
				nlog.Errorln("config: reload failed:", err)
				return
			}
			o.cur.Store(next)
			nlog.SetLevel(next.Log.Level)
			nlog.Rom.SetVerbosity(next.Log.Verbosity)
		})
		v.WatchConfig()
	}
	return nil
}

func applyDefaults(v *viper.Viper) {
	d := defaults()
	v.SetDefault("arena.rbuf_size", d.Arena.RbufSize)
	v.SetDefault("arena.max_rmsg_size", d.Arena.MaxRmsgSize)
	v.SetDefault("defrag.max_samples", d.Defrag.MaxSamples)
	v.SetDefault("defrag.drop_policy", d.Defrag.DropPolicy)
	v.SetDefault("reorder.max_samples", d.Reorder.MaxSamples)
	v.SetDefault("reorder.mode", d.Reorder.Mode)
	v.SetDefault("reorder.late_ack_mode", d.Reorder.LateAckMode)
	v.SetDefault("dqueue.max_samples", d.Dqueue.MaxSamples)
	v.SetDefault("admin.listen", d.Admin.Listen)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.verbosity", d.Log.Verbosity)
}

// ReassembleTimeout is a bound on how long a partially-reassembled sample
// may sit in defrag. No package in this repository reads it: defrag evicts
// only through its drop policy, and the core never runs a background timer.
const ReassembleTimeout = 30 * time.Second
