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
	"crypto/sha256"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// etagValue computes a strong ETag (data model §3). A FileInfo that
// implements ETager is asked first (lets a backend reuse a content hash it
// already has); otherwise the tag is derived from size+mtime, which changes
// whenever content changes under any backend that updates mtime on write.
func etagValue(ctx context.Context, fsys FileSystem, uri string, fi fs.FileInfo) string {
	if et, ok := fi.(ETager); ok {
		if v, err := et.ETag(ctx); err == nil && v != "" {
			return v
		}
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%d", uri, fi.Size(), fi.ModTime().UnixNano())))
	return fmt.Sprintf(`"%x"`, sum[:12])
}

// parseDepthHeader parses the Depth request header. allowInfinity controls
// whether "infinity" is accepted (PROPFIND, §4.6, rejects it with 400;
// LOCK accepts it; COPY and MOVE do not read Depth). def is returned when the header is absent
// (§SPEC_FULL "Depth header default differs per verb").
func parseDepthHeader(r *http.Request, def Depth, allowInfinity bool) (Depth, error) {
	h := r.Header.Get("Depth")
	if h == "" {
		return def, nil
	}
	switch strings.ToLower(h) {
	case "0":
		return DepthZero, nil
	case "1":
		if !allowInfinity && def == DepthZero {
			// PROPFIND's Depth: 1 is always legal; only "infinity" is
			// rejected there. Depth: 1 never maps to DepthInfinity.
		}
		return 1, nil
	case "infinity":
		if !allowInfinity {
			return 0, Statusf(http.StatusBadRequest, "Depth: infinity is not supported on this method")
		}
		return DepthInfinity, nil
	default:
		return 0, Statusf(http.StatusBadRequest, "invalid Depth header %q", h)
	}
}

// parseTimeoutHeader parses the Timeout request header (§6): a
// comma-separated list of "Second-N" | "Infinite", the largest Second-N
// wins, values over MaxTimeout clamp, and an all-"Infinite" header yields
// NoTimeout (§9's design-note clamp decision on the open question).
func parseTimeoutHeader(r *http.Request) (time.Duration, error) {
	h := r.Header.Get("Timeout")
	if h == "" {
		return NoTimeout, nil
	}
	var best time.Duration
	sawSeconds := false
	for _, part := range strings.Split(h, ",") {
		part = strings.TrimSpace(part)
		if part == "Infinite" {
			continue
		}
		const pre = "Second-"
		if !strings.HasPrefix(part, pre) {
			return 0, Statusf(http.StatusBadRequest, "invalid Timeout header %q", h)
		}
		n, err := strconv.ParseInt(part[len(pre):], 10, 64)
		if err != nil || n < 0 {
			return 0, Statusf(http.StatusBadRequest, "invalid Timeout header %q", h)
		}
		d := time.Duration(n) * time.Second
		if d > best {
			best = d
		}
		sawSeconds = true
	}
	if !sawSeconds {
		return NoTimeout, nil
	}
	if best > MaxTimeout {
		best = MaxTimeout
	}
	return best, nil
}

// parseOverwriteHeader parses the Overwrite request header (§6): "T" or "F",
// defaulting to true (the verb allows overwrite) when absent.
func parseOverwriteHeader(r *http.Request) bool {
	return r.Header.Get("Overwrite") != "F"
}
