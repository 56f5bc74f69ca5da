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

package server

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/webdavd/webdavd/internal/auth"
)

// loadHtpasswd reads a flat "user:bcrypt-hash" file, one entry per line,
// blank lines and "#"-prefixed lines ignored — the modern, bcrypt-only
// counterpart of the original server's colon-delimited user database file.
func loadHtpasswd(path string) (*auth.BcryptStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "htpasswd")
	}
	defer f.Close()

	hashes := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, errors.Errorf("htpasswd: %s:%d: missing ':' separator", path, lineNo)
		}
		hashes[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "htpasswd: %s", path)
	}
	return auth.NewBcryptStore(hashes), nil
}
