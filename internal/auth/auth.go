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

// Package auth implements the authentication frontend collaborator
// (webdav.AuthFrontend) as HTTP Basic auth over a realm/user/hash table, the
// modern counterpart of the original server's BasicAuth: instead of an
// MD5(user:realm:password) digest compared against a flat file, a
// Verifier checks a bcrypt hash, so a credential store can be backed by
// anything (file, database, directory service) without the dispatcher
// caring.
package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/webdavd/webdavd/webdav"
)

// Verifier checks a username/password pair. It returns false, nil for a
// simple rejection and a non-nil error only for an unexpected failure (e.g.
// the backing store is unreachable).
type Verifier interface {
	Verify(user, password string) (bool, error)
}

// Basic is a webdav.AuthFrontend implementing HTTP Basic authentication
// (RFC 7617) over a realm and a Verifier.
type Basic struct {
	Realm    string
	Verifier Verifier
}

// Authenticate implements webdav.AuthFrontend.
func (b *Basic) Authenticate(r *http.Request) (webdav.AuthResult, string) {
	challenge := fmt.Sprintf(`Basic realm=%q`, b.Realm)

	user, pass, ok := parseBasicAuth(r.Header.Get("Authorization"))
	if !ok {
		return webdav.AuthChallenge, challenge
	}
	verified, err := b.Verifier.Verify(user, pass)
	if err != nil || !verified {
		return webdav.AuthReject, challenge
	}
	return webdav.AuthOK, ""
}

// parseBasicAuth decodes an "Authorization: Basic <base64>" header value.
// net/http's Request.BasicAuth does the same, but requires the full request;
// this is the same logic, kept local so the Verifier call site stays simple.
func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// BcryptStore is a Verifier backed by an in-memory realm table mapping
// username to a bcrypt hash. It is the reference implementation; a
// production deployment can swap in a database-backed Verifier without
// touching Basic.
type BcryptStore struct {
	hashes map[string][]byte
}

// NewBcryptStore builds a BcryptStore from username -> bcrypt-hash pairs, as
// produced by HashPassword.
func NewBcryptStore(hashes map[string]string) *BcryptStore {
	s := &BcryptStore{hashes: make(map[string][]byte, len(hashes))}
	for user, hash := range hashes {
		s.hashes[user] = []byte(hash)
	}
	return s
}

// HashPassword produces a bcrypt hash suitable for NewBcryptStore, at the
// library's default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify implements Verifier.
func (s *BcryptStore) Verify(user, password string) (bool, error) {
	hash, ok := s.hashes[user]
	if !ok {
		// Still run a comparison against a constant so lookups of
		// nonexistent users and wrong passwords take comparable time.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$"+strings.Repeat("x", 53)), []byte(password))
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
