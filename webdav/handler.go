// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

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

// This file is the request dispatcher of §4.6: one state machine per verb,
// composing the If-header evaluator, the lock registry and the property
// store with the resource backend.

package webdav

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AuthResult is the verdict of an AuthFrontend.Authenticate call.
type AuthResult int

const (
	AuthOK AuthResult = iota
	AuthChallenge
	AuthReject
)

// AuthFrontend is the authentication collaborator named in §1/§2 as an
// external interface: the core only needs a challenge/response callback, not
// a concrete scheme.
type AuthFrontend interface {
	// Authenticate inspects the request's credentials. AuthChallenge means
	// no credentials were presented (401, with challenge set as the
	// WWW-Authenticate value); AuthReject means credentials were presented
	// but did not verify (403).
	Authenticate(r *http.Request) (result AuthResult, challenge string)
}

// IndexRenderer is the directory-index collaborator of §2: HTML for GET on
// a collection.
type IndexRenderer interface {
	Render(w http.ResponseWriter, uri string, entries []fs.FileInfo)
}

// allMethods is used for the Allow header (§4.6 OPTIONS).
const allMethods = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, PROPFIND, PROPPATCH, COPY, MOVE, LOCK, UNLOCK"

// Handler is the WebDAV request dispatcher, an http.Handler. It composes a
// resource backend, a property store and a lock registry to implement every
// verb in §4.6.
type Handler struct {
	FS            FileSystem
	Props         *PropSystem
	Locks         *Registry
	Auth          AuthFrontend
	Index         IndexRenderer
	Logger        *logrus.Logger
	MaxUploadSize int64 // 0 means unbounded
}

func (h *Handler) log() *logrus.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return logrus.StandardLogger()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entry := h.log().WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	})

	if h.Auth != nil {
		switch result, challenge := h.Auth.Authenticate(r); result {
		case AuthChallenge:
			w.Header().Set("WWW-Authenticate", challenge)
			w.WriteHeader(http.StatusUnauthorized)
			return
		case AuthReject:
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	uri := slashClean(r.URL.Path)
	ctx := r.Context()

	var err error
	switch r.Method {
	case http.MethodOptions:
		h.doOptions(w, r, uri)
	case http.MethodGet:
		err = h.doGetHead(ctx, w, r, uri, true)
	case http.MethodHead:
		err = h.doGetHead(ctx, w, r, uri, false)
	case http.MethodPut:
		err = h.doPut(ctx, w, r, uri)
	case http.MethodDelete:
		err = h.doDelete(ctx, w, r, uri)
	case "MKCOL":
		err = h.doMkcol(ctx, w, r, uri)
	case "COPY":
		err = h.doCopyMove(ctx, w, r, uri, false)
	case "MOVE":
		err = h.doCopyMove(ctx, w, r, uri, true)
	case "PROPFIND":
		err = h.doPropfind(ctx, w, r, uri)
	case "PROPPATCH":
		err = h.doProppatch(ctx, w, r, uri)
	case "LOCK":
		err = h.doLock(ctx, w, r, uri)
	case "UNLOCK":
		err = h.doUnlock(ctx, w, r, uri)
	default:
		err = Status(http.StatusMethodNotAllowed, nil)
	}

	if err != nil {
		code := statusCode(err)
		entry.WithField("status", code).WithError(err).Warn("request failed")
		w.WriteHeader(code)
	}
}

// doOptions implements §4.6 OPTIONS.
func (h *Handler) doOptions(w http.ResponseWriter, _ *http.Request, _ string) {
	w.Header().Set("Allow", allMethods)
	w.Header().Set("DAV", "1, 2")
	w.WriteHeader(http.StatusOK)
}

// --- If-header prelude, shared by every mutating verb (§4.6, §4.4) ---

type lockEnv struct {
	h *Handler
}

func (e lockEnv) hasToken(uri, token string) bool {
	for _, l := range e.h.Locks.AllLocks(uri) {
		if l.Token == token {
			return true
		}
	}
	return false
}

func (e lockEnv) etag(uri string) string {
	fi, err := e.h.FS.Stat(context.Background(), uri)
	if err != nil {
		return ""
	}
	return etagValue(context.Background(), e.h.FS, uri, fi)
}

// evalIf parses and evaluates the request's If header. present is false iff
// the header was absent (§4.3: NONE, no preconditions); when present is
// true and the returned map has no entries, the caller must answer 412.
func (h *Handler) evalIf(r *http.Request, defaultURI string) (tokens map[string][]string, present bool, err error) {
	raw := r.Header.Get("If")
	if raw == "" {
		return map[string][]string{}, false, nil
	}
	parsed, perr := parseIfHeader(raw)
	if perr != nil {
		return nil, true, Status(http.StatusBadRequest, perr)
	}
	return evalIfHeader(parsed, defaultURI, lockEnv{h: h}), true, nil
}

// matchLocks reports whether ife presents a token for some URI that is
// uri-or-a-descendant-of-uri's lock root, for any of locks (§4.4's match()).
func matchLocks(ife map[string][]string, locks []Lock) bool {
	for u, tokens := range ife {
		for _, l := range locks {
			if u != l.Resource && !isDescendant(l.Resource, u) {
				continue
			}
			for _, t := range tokens {
				if t == l.Token {
					return true
				}
			}
		}
	}
	return false
}

// checkLockPreconditions implements §4.4's numbered rules 1 and 2 for a
// mutation targeting uri. collection indicates whether rule 2 (descendant
// locks) applies.
func (h *Handler) checkLockPreconditions(ife map[string][]string, uri string, collection bool) error {
	covering := h.Locks.AllLocks(uri)
	if len(covering) > 0 && !matchLocks(ife, covering) {
		return Status(http.StatusLocked, nil)
	}
	if collection {
		for _, dl := range h.Locks.DependentLocks(uri) {
			if !matchLocks(ife, []Lock{dl}) {
				return Status(http.StatusLocked, nil)
			}
		}
	}
	return nil
}

// mutationPrelude runs the shared prelude of §4.6: parse+evaluate the If
// header, answer 412 on a present-but-empty result, then run the §4.4 lock
// check against uri (and its descendants, if collection).
func (h *Handler) mutationPrelude(r *http.Request, uri string, collection bool) (map[string][]string, error) {
	ife, present, err := h.evalIf(r, uri)
	if err != nil {
		return nil, err
	}
	if present && len(ife) == 0 {
		return nil, Status(http.StatusPreconditionFailed, nil)
	}
	if err := h.checkLockPreconditions(ife, uri, collection); err != nil {
		return nil, err
	}
	return ife, nil
}

// --- GET / HEAD ---

func (h *Handler) doGetHead(ctx context.Context, w http.ResponseWriter, r *http.Request, uri string, withBody bool) error {
	fi, err := h.FS.Stat(ctx, uri)
	if err != nil {
		return Status(http.StatusNotFound, err)
	}
	if fi.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return nil
		}
		return h.serveIndex(ctx, w, uri)
	}

	etag := etagValue(ctx, h.FS, uri, fi)
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	f, err := h.FS.OpenFile(ctx, uri, os.O_RDONLY, 0)
	if err != nil {
		return Status(statusCode(err), err)
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType(uri))
	if !withBody {
		w.WriteHeader(http.StatusOK)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, f)
	return err
}

func (h *Handler) serveIndex(ctx context.Context, w http.ResponseWriter, uri string) error {
	f, err := h.FS.OpenFile(ctx, uri, os.O_RDONLY, 0)
	if err != nil {
		return Status(statusCode(err), err)
	}
	defer f.Close()
	entries, err := f.Readdir(-1)
	if err != nil {
		return Status(http.StatusInternalServerError, err)
	}
	if h.Index == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, e := range entries {
			_, _ = io.WriteString(w, e.Name()+"\n")
		}
		return nil
	}
	h.Index.Render(w, uri, entries)
	return nil
}

func contentType(uri string) string {
	ext := path.Ext(uri)
	switch ext {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".xml":
		return "application/xml; charset=utf-8"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

// --- PUT ---

func (h *Handler) doPut(ctx context.Context, w http.ResponseWriter, r *http.Request, uri string) error {
	if _, err := h.mutationPrelude(r, uri, false); err != nil {
		return err
	}
	if _, err := h.FS.Stat(ctx, path.Dir(uri)); err != nil {
		return Status(http.StatusConflict, err)
	}
	if h.MaxUploadSize > 0 && r.ContentLength > h.MaxUploadSize {
		return Status(http.StatusBadRequest, nil)
	}

	_, statErr := h.FS.Stat(ctx, uri)
	existed := statErr == nil

	f, err := h.FS.OpenFile(ctx, uri, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return Status(http.StatusInternalServerError, err)
	}
	defer f.Close()

	body := r.Body
	if h.MaxUploadSize > 0 {
		body = io.NopCloser(io.LimitReader(r.Body, h.MaxUploadSize+1))
	}
	n, err := io.Copy(f, body)
	if err != nil {
		return Status(http.StatusInternalServerError, err)
	}
	if h.MaxUploadSize > 0 && n > h.MaxUploadSize {
		return Status(http.StatusBadRequest, nil)
	}

	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	return nil
}

// --- MKCOL ---

func (h *Handler) doMkcol(ctx context.Context, w http.ResponseWriter, r *http.Request, uri string) error {
	if _, err := h.mutationPrelude(r, uri, false); err != nil {
		return err
	}
	if r.ContentLength > 0 {
		return Status(http.StatusUnsupportedMediaType, nil)
	}
	if _, err := h.FS.Stat(ctx, uri); err == nil {
		return Status(http.StatusMethodNotAllowed, nil)
	}
	if _, err := h.FS.Stat(ctx, path.Dir(uri)); err != nil {
		return Status(http.StatusConflict, err)
	}
	if err := h.FS.Mkdir(ctx, uri, 0755); err != nil {
		return Status(http.StatusConflict, err)
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

// --- DELETE ---

func (h *Handler) doDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, uri string) error {
	fi, err := h.FS.Stat(ctx, uri)
	if err != nil {
		return Status(http.StatusNotFound, err)
	}
	if _, err := h.mutationPrelude(r, uri, fi.IsDir()); err != nil {
		return err
	}
	if err := h.FS.RemoveAll(ctx, uri); err != nil {
		return Status(http.StatusInternalServerError, err)
	}
	if err := h.Props.DestroyResource(uri, fi.IsDir()); err != nil {
		return Status(http.StatusInternalServerError, err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// --- COPY / MOVE ---

func (h *Handler) doCopyMove(ctx context.Context, w http.ResponseWriter, r *http.Request, src string, move bool) error {
	dhdr := r.Header.Get("Destination")
	if dhdr == "" {
		return Status(http.StatusBadRequest, nil)
	}
	du, err := url.Parse(dhdr)
	if err != nil {
		return Status(http.StatusBadRequest, err)
	}
	dst := slashClean(du.Path)
	if dst == src {
		return Status(http.StatusConflict, nil)
	}

	srcFi, err := h.FS.Stat(ctx, src)
	if err != nil {
		return Status(http.StatusNotFound, err)
	}

	if move {
		if _, err := h.mutationPrelude(r, src, srcFi.IsDir()); err != nil {
			return err
		}
	}
	dstExisted := false
	if dstFi, err := h.FS.Stat(ctx, dst); err == nil {
		dstExisted = true
		if _, err := h.mutationPrelude(r, dst, dstFi.IsDir()); err != nil {
			return err
		}
	} else {
		if _, err := h.mutationPrelude(r, dst, false); err != nil {
			return err
		}
	}

	if pfi, err := h.FS.Stat(ctx, path.Dir(dst)); err != nil {
		return Status(http.StatusConflict, err)
	} else if !pfi.IsDir() {
		return Status(http.StatusConflict, nil)
	}
	if dstExisted && !parseOverwriteHeader(r) {
		return Status(http.StatusPreconditionFailed, nil)
	}

	if dstExisted {
		if err := h.FS.RemoveAll(ctx, dst); err != nil {
			return Status(http.StatusInternalServerError, err)
		}
		if err := h.Props.DestroyResource(dst, true); err != nil {
			return Status(http.StatusInternalServerError, err)
		}
	}

	if move {
		if err := h.FS.Rename(ctx, src, dst); err != nil {
			return Status(http.StatusInternalServerError, err)
		}
		if err := h.Props.MoveResource(src, dst, srcFi.IsDir()); err != nil {
			return Status(http.StatusInternalServerError, err)
		}
	} else {
		if err := copyTree(ctx, h.FS, src, dst, srcFi); err != nil {
			return Status(http.StatusInternalServerError, err)
		}
		if err := h.Props.CopyResource(src, dst, srcFi.IsDir()); err != nil {
			return Status(http.StatusInternalServerError, err)
		}
	}

	if dstExisted {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	return nil
}

// copyTree recursively duplicates src onto dst using only the FileSystem's
// primitives, the way golang.org/x/net/webdav's copyFiles walks a tree
// (teacher's ancestor); a backend need not implement its own Copy.
func copyTree(ctx context.Context, fsys FileSystem, src, dst string, srcFi fs.FileInfo) error {
	if !srcFi.IsDir() {
		in, err := fsys.OpenFile(ctx, src, os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := fsys.OpenFile(ctx, dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	}
	if err := fsys.Mkdir(ctx, dst, 0755); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	d, err := fsys.OpenFile(ctx, src, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	children, err := d.Readdir(-1)
	_ = d.Close()
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := copyTree(ctx, fsys, path.Join(src, c.Name()), path.Join(dst, c.Name()), c); err != nil {
			return err
		}
	}
	return nil
}

// --- PROPFIND / PROPPATCH ---

func (h *Handler) doPropfind(ctx context.Context, w http.ResponseWriter, r *http.Request, uri string) error {
	depth, err := parseDepthHeader(r, DepthZero, false)
	if err != nil {
		return err
	}
	mode, err := parsePropfind(r.Body)
	if err != nil {
		return err
	}
	mw, err := h.Props.Propfind(ctx, uri, *mode, int(depth))
	if err != nil {
		return err
	}
	return mw.write(w)
}

func (h *Handler) doProppatch(ctx context.Context, w http.ResponseWriter, r *http.Request, uri string) error {
	if _, err := h.mutationPrelude(r, uri, false); err != nil {
		return err
	}
	if _, err := h.FS.Stat(ctx, uri); err != nil {
		return Status(http.StatusNotFound, err)
	}
	ops, err := parseProppatch(r.Body)
	if err != nil {
		return err
	}
	mw, err := h.Props.Proppatch(ctx, uri, ops)
	if err != nil {
		return err
	}
	return mw.write(w)
}

// --- LOCK / UNLOCK ---

func (h *Handler) doLock(ctx context.Context, w http.ResponseWriter, r *http.Request, uri string) error {
	depth, err := parseDepthHeader(r, DepthInfinity, true)
	if err != nil {
		return err
	}
	if depth != DepthZero {
		depth = DepthInfinity
	}
	timeout, err := parseTimeoutHeader(r)
	if err != nil {
		return err
	}
	info, err := parseLockInfo(r.Body)
	if err != nil {
		return err
	}

	if info == nil {
		return h.lockRefresh(r, w, uri)
	}
	return h.lockAcquire(ctx, w, r, uri, info, depth, timeout)
}

func (h *Handler) lockRefresh(r *http.Request, w http.ResponseWriter, uri string) error {
	ife, present, err := h.evalIf(r, uri)
	if err != nil {
		return err
	}
	if !present {
		return Status(http.StatusLocked, nil)
	}
	covering := h.Locks.AllLocks(uri)
	if len(covering) == 0 || !matchLocks(ife, covering) {
		return Status(http.StatusLocked, nil)
	}
	var matched *Lock
	for u, tokens := range ife {
		for _, l := range covering {
			if u != l.Resource && !isDescendant(l.Resource, u) {
				continue
			}
			for _, t := range tokens {
				if t == l.Token {
					ll := l
					matched = &ll
				}
			}
		}
	}
	if matched == nil {
		return Status(http.StatusLocked, nil)
	}
	timeout, err := parseTimeoutHeader(r)
	if err != nil {
		return err
	}
	refreshed, err := h.Locks.Refresh(matched.ID, timeout)
	if err != nil {
		return Status(statusCode(err), err)
	}
	w.Header().Set("Lock-Token", "<"+refreshed.Token+">")
	return writeLockDiscovery(w, refreshed, http.StatusOK)
}

func (h *Handler) lockAcquire(ctx context.Context, w http.ResponseWriter, r *http.Request, uri string, info *lockInfoXML, depth Depth, timeout time.Duration) error {
	_, err := h.FS.Stat(ctx, path.Dir(uri))
	if err != nil {
		return Status(http.StatusConflict, err)
	}

	ife, _, err := h.evalIf(r, uri)
	if err != nil {
		return err
	}

	handled, err := h.checkLockConflicts(w, ife, uri, info.Scope, depth)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	id, token, err := h.Locks.Add(uri, info.Scope, depth, timeout, info.Owner)
	if err != nil {
		return Status(statusCode(err), err)
	}
	l, _ := h.Locks.ByID(id)

	created := false
	if _, err := h.FS.Stat(ctx, uri); err != nil {
		f, ferr := h.FS.OpenFile(ctx, uri, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if ferr != nil {
			_ = h.Locks.Remove(id)
			return Status(http.StatusInternalServerError, ferr)
		}
		_ = f.Close()
		created = true
	}

	w.Header().Set("Lock-Token", "<"+token+">")
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return writeLockDiscovery(w, l, status)
}

// checkLockConflicts implements §4.4's LOCK-specific rules. When the
// depth-infinity dependent-lock conflict applies, it writes the 207
// multistatus body itself (403 on each offending descendant, 424 on uri)
// and reports handled=true so the caller stops without writing anything
// else.
func (h *Handler) checkLockConflicts(w http.ResponseWriter, ife map[string][]string, uri string, scope Scope, depth Depth) (handled bool, err error) {
	switch scope {
	case ScopeExclusive:
		if len(h.Locks.ExclusiveLocks(uri)) > 0 {
			return false, Status(http.StatusLocked, nil)
		}
		if len(h.Locks.SharedLocks(uri)) > 0 {
			return false, Status(http.StatusLocked, nil)
		}
		if depth == DepthInfinity {
			if dl := h.Locks.DependentLocks(uri); len(dl) > 0 {
				writeLockConflictMultistatus(w, uri, dl)
				return true, nil
			}
		}
	case ScopeShared:
		if len(h.Locks.ExclusiveLocks(uri)) > 0 {
			return false, Status(http.StatusLocked, nil)
		}
		if depth == DepthInfinity {
			if cl := h.Locks.ConflictLocks(uri); len(cl) > 0 {
				writeLockConflictMultistatus(w, uri, cl)
				return true, nil
			}
		}
	}
	return false, nil
}

// writeLockConflictMultistatus renders §4.4's depth-infinity LOCK conflict
// report: one 403 response per resource already holding an offending
// descendant lock, plus a 424 response for uri itself (the lock as a whole
// could not be granted because of those descendants).
func writeLockConflictMultistatus(w http.ResponseWriter, uri string, offending []Lock) {
	mw := &multistatusWriter{}
	seen := make(map[string]bool)
	for _, l := range offending {
		if seen[l.Resource] {
			continue
		}
		seen[l.Resource] = true
		mw.addStatus(l.Resource, http.StatusForbidden)
	}
	mw.addStatus(uri, http.StatusFailedDependency)
	_ = mw.write(w)
}

func writeLockDiscovery(w http.ResponseWriter, l Lock, status int) error {
	body := "<?xml version=\"1.0\" encoding=\"utf-8\" ?>\n" +
		`<prop xmlns="DAV:"><lockdiscovery>` + activeLockXML(l) + `</lockdiscovery></prop>`
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, err := io.WriteString(w, body)
	return err
}

func (h *Handler) doUnlock(_ context.Context, w http.ResponseWriter, r *http.Request, uri string) error {
	lt := r.Header.Get("Lock-Token")
	lt = strings.TrimSpace(lt)
	if !strings.HasPrefix(lt, "<") || !strings.HasSuffix(lt, ">") || len(lt) < 3 {
		return Status(http.StatusBadRequest, nil)
	}
	lt = lt[1 : len(lt)-1]

	l, ok := h.Locks.ByToken(lt)
	if !ok || !covers(l.Resource, l.Depth, uri) {
		return Status(http.StatusConflict, nil)
	}
	if err := h.Locks.Remove(l.ID); err != nil {
		return Status(statusCode(err), err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
