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

// Package store is the persistence layer of the two logical tables
// (locks, properties): a single buntdb.DB holding both, key-prefixed apart.
// buntdb gives the registry and the property store a durable, embedded,
// ACID-transaction-per-call backend without standing up a separate service.
package store

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/webdavd/webdavd/webdav"
)

const (
	lockKeyPrefix = "lock:"
	propKeyPrefix = "prop:"
)

// Store is a buntdb-backed implementation of both webdav.Store and
// webdav.PropertyBackend.
type Store struct {
	db *buntdb.DB
}

// Open opens (creating if necessary) a buntdb database at path. Pass ":memory:"
// for a transient, in-process store (handy for tests and single-node setups
// that don't need restart durability).
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %q", path)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func lockKey(id uint64) string {
	return fmt.Sprintf("%s%020d", lockKeyPrefix, id)
}

// InsertLock implements webdav.Store.
func (s *Store) InsertLock(l webdav.Lock) error {
	return s.putLock(l)
}

// UpdateLock implements webdav.Store.
func (s *Store) UpdateLock(l webdav.Lock) error {
	return s.putLock(l)
}

func (s *Store) putLock(l webdav.Lock) error {
	data, err := json.Marshal(l)
	if err != nil {
		return errors.Wrap(err, "store: marshal lock")
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(lockKey(l.ID), string(data), nil)
		return err
	})
}

// DeleteLock implements webdav.Store.
func (s *Store) DeleteLock(id uint64) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(lockKey(id))
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

// LoadLocks implements webdav.Store, returning every row regardless of
// expiry; the registry purges expired rows itself on load (§6).
func (s *Store) LoadLocks() ([]webdav.Lock, error) {
	var locks []webdav.Lock
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(lockKeyPrefix+"*", func(key, value string) bool {
			var l webdav.Lock
			if err := json.Unmarshal([]byte(value), &l); err != nil {
				return true
			}
			locks = append(locks, l)
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: load locks")
	}
	return locks, nil
}

// propRow is the wire shape of one dead-property row.
type propRow struct {
	URI      string   `json:"uri"`
	Name     xml.Name `json:"name"`
	InnerXML []byte   `json:"inner_xml"`
}

func propKey(uri string, name xml.Name) string {
	return fmt.Sprintf("%s%s\x00%s\x00%s", propKeyPrefix, uri, name.Space, name.Local)
}

// Select implements webdav.PropertyBackend.
func (s *Store) Select(uri string) ([]webdav.DeadProperty, error) {
	prefix := propKeyPrefix + uri + "\x00"
	var out []webdav.DeadProperty
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(propKeyPrefix+"*", func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			var row propRow
			if err := json.Unmarshal([]byte(value), &row); err != nil {
				return true
			}
			out = append(out, webdav.DeadProperty{Name: row.Name, InnerXML: row.InnerXML})
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "store: select properties of %q", uri)
	}
	return out, nil
}

func (s *Store) putProp(uri string, name xml.Name, innerXML []byte) error {
	row := propRow{URI: uri, Name: name, InnerXML: innerXML}
	data, err := json.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "store: marshal property")
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(propKey(uri, name), string(data), nil)
		return err
	})
}

// Insert implements webdav.PropertyBackend.
func (s *Store) Insert(uri string, name xml.Name, innerXML []byte) error {
	return s.putProp(uri, name, innerXML)
}

// Update implements webdav.PropertyBackend.
func (s *Store) Update(uri string, name xml.Name, innerXML []byte) error {
	return s.putProp(uri, name, innerXML)
}

// Delete implements webdav.PropertyBackend.
func (s *Store) Delete(uri string, name xml.Name) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(propKey(uri, name))
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

// DeleteAll implements webdav.PropertyBackend: every row for the exact uri.
func (s *Store) DeleteAll(uri string) error {
	prefix := propKeyPrefix + uri + "\x00"
	return s.deleteByKeyPrefix(prefix)
}

// DeleteSubtree implements webdav.PropertyBackend: every row for a proper
// descendant of uri, leaving uri's own rows untouched.
func (s *Store) DeleteSubtree(uri string) error {
	prefix := propKeyPrefix + uri + "/"
	return s.deleteByKeyPrefix(prefix)
}

func (s *Store) deleteByKeyPrefix(prefix string) error {
	var toDelete []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(propKeyPrefix+"*", func(key, _ string) bool {
			if strings.HasPrefix(key, prefix) {
				toDelete = append(toDelete, key)
			}
			return true
		})
	})
	if err != nil {
		return errors.Wrap(err, "store: scan properties")
	}
	if len(toDelete) == 0 {
		return nil
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, k := range toDelete {
			if _, err := tx.Delete(k); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

// CopySubtree implements webdav.PropertyBackend: duplicates every row whose
// uri is src or a descendant of src, rewriting the uri prefix to dst.
func (s *Store) CopySubtree(src, dst string) error {
	rows, err := s.collectSubtree(src)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, row := range rows {
			newURI := dst + strings.TrimPrefix(row.URI, src)
			newRow := propRow{URI: newURI, Name: row.Name, InnerXML: row.InnerXML}
			data, err := json.Marshal(newRow)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(propKey(newURI, row.Name), string(data), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// MoveSubtree implements webdav.PropertyBackend: CopySubtree followed by
// removing the original rows.
func (s *Store) MoveSubtree(src, dst string) error {
	if err := s.CopySubtree(src, dst); err != nil {
		return err
	}
	if err := s.DeleteAll(src); err != nil {
		return err
	}
	return s.DeleteSubtree(src)
}

func (s *Store) collectSubtree(uri string) ([]propRow, error) {
	exact := propKeyPrefix + uri + "\x00"
	descendants := propKeyPrefix + uri + "/"
	var rows []propRow
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(propKeyPrefix+"*", func(key, value string) bool {
			if !strings.HasPrefix(key, exact) && !strings.HasPrefix(key, descendants) {
				return true
			}
			var row propRow
			if err := json.Unmarshal([]byte(value), &row); err != nil {
				return true
			}
			rows = append(rows, row)
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "store: collect subtree of %q", uri)
	}
	return rows, nil
}
