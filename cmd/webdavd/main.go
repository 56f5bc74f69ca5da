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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/webdavd/webdavd/internal/config"
	"github.com/webdavd/webdavd/internal/server"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "webdavd",
		Short: "webdavd serves a WebDAV (RFC 4918) tree over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a config file")
	flags.String("listen-addr", "", "address to listen on, e.g. :8080")
	flags.String("resource-root", "", "directory backing the served resource tree")
	flags.String("database-path", "", "path to the buntdb file holding locks and properties")
	flags.String("realm", "", "HTTP Basic auth realm")
	flags.String("htpasswd-file", "", "user:bcrypt-hash file enabling Basic auth")
	flags.Int64("max-upload-size", 0, "reject PUT bodies larger than this many bytes (0 = unbounded)")
	flags.String("log-level", "", "logrus level: trace, debug, info, warn, error")

	_ = v.BindPFlag("listen_addr", flags.Lookup("listen-addr"))
	_ = v.BindPFlag("resource_root", flags.Lookup("resource-root"))
	_ = v.BindPFlag("database_path", flags.Lookup("database-path"))
	_ = v.BindPFlag("realm", flags.Lookup("realm"))
	_ = v.BindPFlag("htpasswd_file", flags.Lookup("htpasswd-file"))
	_ = v.BindPFlag("max_upload_size", flags.Lookup("max-upload-size"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	return cmd
}

func run(v *viper.Viper) error {
	cfg, err := config.Load(cfgFile, v)
	if err != nil {
		return err
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}
