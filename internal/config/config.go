// Copyright (C) 2022  Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package config loads server configuration (listen address, resource
// root, persistence paths, auth realm, logging) from a file, environment
// variables and flags via viper, the way this stack's ambient config layer
// is expected to behave.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	ResourceRoot string `mapstructure:"resource_root"`
	DatabasePath string `mapstructure:"database_path"`

	Realm        string `mapstructure:"realm"`
	HtpasswdFile string `mapstructure:"htpasswd_file"`

	MaxUploadSize int64         `mapstructure:"max_upload_size"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// defaults are applied before any file, env or flag source is read.
var defaults = map[string]interface{}{
	"listen_addr":     ":8080",
	"resource_root":   "./data",
	"database_path":   "./webdavd.db",
	"realm":           "webdavd",
	"htpasswd_file":   "",
	"max_upload_size": int64(0),
	"lock_timeout":    time.Hour,
	"log_level":       "info",
	"log_format":      "text",
}

// Load builds a Config from, in ascending priority: built-in defaults, a
// config file (if cfgFile is non-empty, or "webdavd.yaml" is found on the
// search path), environment variables prefixed WEBDAVD_, and finally
// explicit overrides in the pre-populated v (typically bound to cobra
// flags by the caller).
func Load(cfgFile string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("webdavd")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("webdavd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/webdavd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, errors.Wrapf(err, "config: read %q", cfgFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New("config: listen_addr must not be empty")
	}
	return &cfg, nil
}
