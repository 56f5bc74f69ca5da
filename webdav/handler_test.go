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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	fs := Dir(dir)
	reg, err := NewRegistry(newMemStore())
	require.NoError(t, err)
	props := &PropSystem{FS: fs, Backend: newMemProps(), Locks: reg}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Handler{FS: fs, Props: props, Locks: reg, Logger: logger}
}

func do(h *Handler, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlerOptions(t *testing.T) {
	h := newTestHandler(t)
	w := do(h, http.MethodOptions, "/", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1, 2", w.Header().Get("DAV"))
}

func TestHandlerPutThenGet(t *testing.T) {
	h := newTestHandler(t)
	w := do(h, http.MethodPut, "/a.txt", "hello", nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(h, http.MethodGet, "/a.txt", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())

	w = do(h, http.MethodPut, "/a.txt", "world", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandlerGetMissingIs404(t *testing.T) {
	h := newTestHandler(t)
	w := do(h, http.MethodGet, "/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerMkcolAndDelete(t *testing.T) {
	h := newTestHandler(t)
	w := do(h, "MKCOL", "/dir", "", nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(h, "MKCOL", "/dir", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = do(h, http.MethodDelete, "/dir", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandlerMkcolMissingParentIsConflict(t *testing.T) {
	h := newTestHandler(t)
	w := do(h, "MKCOL", "/nope/dir", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlerCopyAndMove(t *testing.T) {
	h := newTestHandler(t)
	do(h, http.MethodPut, "/a.txt", "hello", nil)

	w := do(h, "COPY", "/a.txt", "", map[string]string{"Destination": "/b.txt"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(h, http.MethodGet, "/a.txt", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(h, http.MethodGet, "/b.txt", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(h, "MOVE", "/b.txt", "", map[string]string{"Destination": "/c.txt"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(h, http.MethodGet, "/b.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(h, http.MethodGet, "/c.txt", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerCopyOverwriteFIsPreconditionFailed(t *testing.T) {
	h := newTestHandler(t)
	do(h, http.MethodPut, "/a.txt", "hello", nil)
	do(h, http.MethodPut, "/b.txt", "world", nil)

	w := do(h, "COPY", "/a.txt", "", map[string]string{
		"Destination": "/b.txt",
		"Overwrite":   "F",
	})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestHandlerLockThenPutWithoutTokenIsLocked(t *testing.T) {
	h := newTestHandler(t)
	do(h, http.MethodPut, "/a.txt", "hello", nil)

	lockBody := `<?xml version="1.0"?><lockinfo xmlns="DAV:"><lockscope><exclusive/></lockscope><locktype><write/></locktype><owner>me</owner></lockinfo>`
	w := do(h, "LOCK", "/a.txt", lockBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := strings.Trim(w.Header().Get("Lock-Token"), "<>")
	require.Contains(t, token, "opaquelocktoken:")

	w = do(h, http.MethodPut, "/a.txt", "blocked", nil)
	assert.Equal(t, http.StatusLocked, w.Code)

	w = do(h, http.MethodPut, "/a.txt", "allowed", map[string]string{
		"If": "(<" + token + ">)",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandlerLockThenUnlock(t *testing.T) {
	h := newTestHandler(t)
	do(h, http.MethodPut, "/a.txt", "hello", nil)

	lockBody := `<?xml version="1.0"?><lockinfo xmlns="DAV:"><lockscope><exclusive/></lockscope><locktype><write/></locktype></lockinfo>`
	w := do(h, "LOCK", "/a.txt", lockBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Header().Get("Lock-Token")

	w = do(h, "UNLOCK", "/a.txt", "", map[string]string{"Lock-Token": token})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(h, http.MethodPut, "/a.txt", "now free", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandlerLockExclusiveDepthInfinityOnLockedDescendantIsMultistatus(t *testing.T) {
	h := newTestHandler(t)
	do(h, "MKCOL", "/dir", "", nil)
	do(h, http.MethodPut, "/dir/child.txt", "hello", nil)

	sharedBody := `<?xml version="1.0"?><lockinfo xmlns="DAV:"><lockscope><shared/></lockscope><locktype><write/></locktype></lockinfo>`
	w := do(h, "LOCK", "/dir/child.txt", sharedBody, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusOK, w.Code)

	exclusiveBody := `<?xml version="1.0"?><lockinfo xmlns="DAV:"><lockscope><exclusive/></lockscope><locktype><write/></locktype></lockinfo>`
	w = do(h, "LOCK", "/dir", exclusiveBody, map[string]string{"Depth": "infinity"})
	assert.Equal(t, http.StatusMultiStatus, w.Code)
	assert.Contains(t, w.Body.String(), "/dir/child.txt")
	assert.Contains(t, w.Body.String(), "403")
	assert.Contains(t, w.Body.String(), "424")
}

func TestHandlerPropfindAllprop(t *testing.T) {
	h := newTestHandler(t)
	do(h, http.MethodPut, "/a.txt", "hello", nil)

	w := do(h, "PROPFIND", "/a.txt", "", map[string]string{"Depth": "0"})
	assert.Equal(t, http.StatusMultiStatus, w.Code)
	assert.Contains(t, w.Body.String(), "getcontentlength")
}

func TestHandlerPropfindRejectsInfinityDepth(t *testing.T) {
	h := newTestHandler(t)
	do(h, http.MethodPut, "/a.txt", "hello", nil)

	w := do(h, "PROPFIND", "/a.txt", "", map[string]string{"Depth": "infinity"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
