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

package webdav

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileSystem is the resource backend collaborator of §4.5: an abstract,
// filesystem-like tree of resources. The dispatcher never touches a
// concrete filesystem directly; every verb goes through this interface, so
// any tree-shaped store (local disk, object storage, a database BLOB table)
// can serve as a backend. Copy and Delete of a collection are expressed
// generically on top of Stat/OpenFile/Mkdir/RemoveAll, and Move on Rename (ground:
// golang.org/x/net/webdav's walkFS/copyFiles, mirrored by the teacher's
// ancestor), so a backend only has to implement the five primitives below.
type FileSystem interface {
	Mkdir(ctx context.Context, name string, perm os.FileMode) error
	OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (File, error)
	RemoveAll(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName, newName string) error
	Stat(ctx context.Context, name string) (fs.FileInfo, error)
}

// File is the handle returned by FileSystem.OpenFile.
type File interface {
	io.Closer
	io.Reader
	io.Seeker
	io.Writer
	Readdir(count int) ([]fs.FileInfo, error)
	Stat() (fs.FileInfo, error)
}

// ETager is implemented by a FileInfo that can produce a strong ETag cheaper than hashing the full body. When a
// FileInfo does not implement it, the dispatcher falls back to a hash of
// size+mtime (see etagValue).
type ETager interface {
	ETag(ctx context.Context) (string, error)
}

// Dir is a FileSystem backed by the local filesystem, rooted at a directory.
// It is the minimal reference backend; internal/fsresource provides a
// richer one backed by afero.Fs for production deployments.
type Dir string

func (d Dir) resolve(name string) (string, error) {
	if filepath.Separator != '/' && strings.ContainsRune(name, filepath.Separator) {
		return "", os.ErrInvalid
	}
	name = slashClean(name)
	return filepath.Join(string(d), filepath.FromSlash(name)), nil
}

func (d Dir) Mkdir(_ context.Context, name string, perm os.FileMode) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	return os.Mkdir(p, perm)
}

func (d Dir) OpenFile(_ context.Context, name string, flag int, perm os.FileMode) (File, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d Dir) RemoveAll(_ context.Context, name string) error {
	if name == "/" {
		return os.ErrInvalid
	}
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (d Dir) Rename(_ context.Context, oldName, newName string) error {
	oldP, err := d.resolve(oldName)
	if err != nil {
		return err
	}
	newP, err := d.resolve(newName)
	if err != nil {
		return err
	}
	return os.Rename(oldP, newP)
}

func (d Dir) Stat(_ context.Context, name string) (fs.FileInfo, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// slashClean is path.Clean for a rooted, slash-separated name. Every name
// passed to a FileSystem method is filtered through this so ".." cannot
// escape the tree and so URI equality (data model §3) is exactly
// post-slashClean string equality.
func slashClean(name string) string {
	if name == "" || name[0] != '/' {
		name = "/" + name
	}
	return path.Clean(name)
}
