// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parcelworks/dispatch/ci"
)

func TestConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name string
		base *Config
		over *Config
		want *Config
	}{
		{
			name: "empty overlay keeps base",
			base: &Config{
				HTTPAddr: "127.0.0.1:4656",
				LogLevel: "INFO",
			},
			over: &Config{},
			want: &Config{
				HTTPAddr: "127.0.0.1:4656",
				LogLevel: "INFO",
			},
		},
		{
			name: "strings overlay",
			base: &Config{
				HTTPAddr:   "127.0.0.1:4656",
				LogLevel:   "INFO",
				CronSecret: "old",
			},
			over: &Config{
				HTTPAddr:   "0.0.0.0:80",
				LogLevel:   "DEBUG",
				CronSecret: "new",
				LogFile:    "/var/log/dispatch.log",
			},
			want: &Config{
				HTTPAddr:   "0.0.0.0:80",
				LogLevel:   "DEBUG",
				CronSecret: "new",
				LogFile:    "/var/log/dispatch.log",
			},
		},
		{
			name: "bools only merge when set",
			base: &Config{
				LogJson: true,
			},
			over: &Config{
				EnableDebug: true,
				DisableCron: true,
				DevMode:     true,
			},
			want: &Config{
				LogJson:     true,
				EnableDebug: true,
				DisableCron: true,
				DevMode:     true,
			},
		},
		{
			name: "numbers overlay when nonzero",
			base: &Config{
				EventBufferSize: 100,
				PolicyCacheTTL:  5 * time.Minute,
			},
			over: &Config{
				EventBufferSize: 500,
			},
			want: &Config{
				EventBufferSize: 500,
				PolicyCacheTTL:  5 * time.Minute,
			},
		},
		{
			name: "version fields overlay",
			base: &Config{
				Version: "0.3.0",
			},
			over: &Config{
				Version:           "0.4.0",
				VersionPrerelease: "dev",
				Revision:          "abc123",
			},
			want: &Config{
				Version:           "0.4.0",
				VersionPrerelease: "dev",
				Revision:          "abc123",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.base.Merge(tc.over)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestConfig_Merge_DoesNotMutateBase(t *testing.T) {
	ci.Parallel(t)

	base := DefaultConfig()
	over := &Config{HTTPAddr: "0.0.0.0:9999", LogLevel: "ERROR"}

	got := base.Merge(over)
	require.Equal(t, "0.0.0.0:9999", got.HTTPAddr)
	require.Equal(t, "127.0.0.1:4656", base.HTTPAddr)
	require.Equal(t, "INFO", base.LogLevel)
}

func TestConfig_EnvConfig(t *testing.T) {
	t.Setenv("DISPATCH_HTTP_ADDR", "10.0.0.1:4656")
	t.Setenv("DISPATCH_LOG_LEVEL", "WARN")
	t.Setenv("DISPATCH_CRON_SECRET", "hunter2")
	t.Setenv("DISPATCH_EVENT_BUFFER_SIZE", "250")
	t.Setenv("DISPATCH_POLICY_CACHE_TTL", "30s")

	conf, err := EnvConfig()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:4656", conf.HTTPAddr)
	require.Equal(t, "WARN", conf.LogLevel)
	require.Equal(t, "hunter2", conf.CronSecret)
	require.Equal(t, 250, conf.EventBufferSize)
	require.Equal(t, 30*time.Second, conf.PolicyCacheTTL)
}

func TestConfig_EnvConfig_Invalid(t *testing.T) {
	t.Setenv("DISPATCH_EVENT_BUFFER_SIZE", "a-few")

	_, err := EnvConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DISPATCH_EVENT_BUFFER_SIZE")
}

func TestConfig_Validate(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default is valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing addr",
			mutate:  func(c *Config) { c.HTTPAddr = "" },
			wantErr: "missing HTTP address",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "LOUD" },
			wantErr: "invalid log level",
		},
		{
			name:    "negative buffer",
			mutate:  func(c *Config) { c.EventBufferSize = -1 },
			wantErr: "event buffer size",
		},
		{
			name:    "negative ttl",
			mutate:  func(c *Config) { c.PolicyCacheTTL = -time.Second },
			wantErr: "policy cache TTL",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := DefaultConfig()
			tc.mutate(conf)
			err := conf.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
