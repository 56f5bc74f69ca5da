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

// Package server is the glue collaborator of §2: it wires a resource
// backend, a persistence store, an optional auth frontend and a directory
// index renderer into a webdav.Handler, and serves it behind a
// gorilla/mux router.
package server

import (
	"context"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/webdavd/webdavd/internal/auth"
	"github.com/webdavd/webdavd/internal/config"
	"github.com/webdavd/webdavd/internal/fsresource"
	"github.com/webdavd/webdavd/internal/index"
	"github.com/webdavd/webdavd/internal/store"
	"github.com/webdavd/webdavd/webdav"
)

// Server bundles the running webdavd process: the dispatcher, its
// persistence layer and the net/http server fronting it.
type Server struct {
	cfg   *config.Config
	log   *logrus.Logger
	store *store.Store
	http  *http.Server
}

// New builds a Server from cfg, wiring every collaborator named in the
// handler's dependency list: an afero-backed resource tree rooted at
// cfg.ResourceRoot, a buntdb-backed lock registry and property store at
// cfg.DatabasePath, and (when cfg.HtpasswdFile is set) a bcrypt-verified
// Basic auth frontend.
func New(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	if err := os.MkdirAll(cfg.ResourceRoot, 0755); err != nil {
		return nil, err
	}
	backend := fsresource.NewOSRoot(cfg.ResourceRoot)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	locks, err := webdav.NewRegistry(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	props := &webdav.PropSystem{
		FS:      backend,
		Backend: db,
		Locks:   locks,
	}

	h := &webdav.Handler{
		FS:            backend,
		Props:         props,
		Locks:         locks,
		Index:         index.Renderer{},
		Logger:        log,
		MaxUploadSize: cfg.MaxUploadSize,
	}

	if cfg.HtpasswdFile != "" {
		verifier, err := loadHtpasswd(cfg.HtpasswdFile)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		h.Auth = &auth.Basic{Realm: cfg.Realm, Verifier: verifier}
	}

	router := mux.NewRouter()
	router.NotFoundHandler = h
	router.PathPrefix("/").Handler(h)

	return &Server{
		cfg:   cfg,
		log:   log,
		store: db,
		http: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: router,
		},
	}, nil
}

// ListenAndServe runs the HTTP server until ctx is canceled, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.ListenAddr).Info("webdavd listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Close(context.Background())
	}
}

// Close shuts down the HTTP server and closes the underlying store.
func (s *Server) Close(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return s.store.Close()
}
