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

// Package fsresource is a resource backend (webdav.FileSystem) over
// afero.Fs, the production counterpart to webdav.Dir: swapping the afero.Fs
// implementation (OS-rooted, in-memory, S3-backed, ...) never touches the
// dispatcher or the property store above it.
package fsresource

import (
	"context"
	"io/fs"
	"os"

	"github.com/spf13/afero"

	"github.com/webdavd/webdavd/webdav"
)

// Backend adapts an afero.Fs to webdav.FileSystem. afero.File already
// satisfies webdav.File's method set (io.Closer/Reader/Seeker/Writer plus
// Readdir/Stat), so OpenFile needs no wrapping.
type Backend struct {
	fs afero.Fs
}

// New wraps fsys as a webdav.FileSystem.
func New(fsys afero.Fs) *Backend {
	return &Backend{fs: fsys}
}

// NewOSRoot returns a Backend rooted at dir on the local filesystem,
// confining every path the dispatcher resolves to beneath it.
func NewOSRoot(dir string) *Backend {
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

func (b *Backend) Mkdir(_ context.Context, name string, perm os.FileMode) error {
	return b.fs.Mkdir(name, perm)
}

func (b *Backend) OpenFile(_ context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	return b.fs.OpenFile(name, flag, perm)
}

func (b *Backend) RemoveAll(_ context.Context, name string) error {
	return b.fs.RemoveAll(name)
}

func (b *Backend) Rename(_ context.Context, oldName, newName string) error {
	return b.fs.Rename(oldName, newName)
}

func (b *Backend) Stat(_ context.Context, name string) (fs.FileInfo, error) {
	return b.fs.Stat(name)
}
