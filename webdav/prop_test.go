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
	"encoding/xml"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memProps is a minimal in-memory PropertyBackend for PropSystem tests.
type memProps struct {
	rows map[string]map[xml.Name][]byte // uri -> name -> innerXML
}

func newMemProps() *memProps {
	return &memProps{rows: make(map[string]map[xml.Name][]byte)}
}

func (m *memProps) Select(uri string) ([]DeadProperty, error) {
	var out []DeadProperty
	for name, val := range m.rows[uri] {
		out = append(out, DeadProperty{Name: name, InnerXML: val})
	}
	return out, nil
}

func (m *memProps) set(uri string, name xml.Name, val []byte) {
	if m.rows[uri] == nil {
		m.rows[uri] = make(map[xml.Name][]byte)
	}
	m.rows[uri][name] = val
}

func (m *memProps) Insert(uri string, name xml.Name, innerXML []byte) error {
	m.set(uri, name, innerXML)
	return nil
}

func (m *memProps) Update(uri string, name xml.Name, innerXML []byte) error {
	m.set(uri, name, innerXML)
	return nil
}

func (m *memProps) Delete(uri string, name xml.Name) error {
	delete(m.rows[uri], name)
	return nil
}

func (m *memProps) DeleteAll(uri string) error {
	delete(m.rows, uri)
	return nil
}

func (m *memProps) CopySubtree(src, dst string) error {
	for uri, names := range m.rows {
		if uri != src && !strings.HasPrefix(uri, src+"/") {
			continue
		}
		newURI := dst + strings.TrimPrefix(uri, src)
		for name, val := range names {
			m.set(newURI, name, val)
		}
	}
	return nil
}

func (m *memProps) MoveSubtree(src, dst string) error {
	if err := m.CopySubtree(src, dst); err != nil {
		return err
	}
	if err := m.DeleteAll(src); err != nil {
		return err
	}
	return m.DeleteSubtree(src)
}

func (m *memProps) DeleteSubtree(uri string) error {
	for u := range m.rows {
		if strings.HasPrefix(u, uri+"/") {
			delete(m.rows, u)
		}
	}
	return nil
}

func newTestPropSystem(t *testing.T) (*PropSystem, *memProps) {
	t.Helper()
	dir := t.TempDir()
	backend := newMemProps()
	reg, err := NewRegistry(newMemStore())
	require.NoError(t, err)
	return &PropSystem{FS: Dir(dir), Backend: backend, Locks: reg}, backend
}

func TestProppatchSetThenSelect(t *testing.T) {
	ps, backend := newTestPropSystem(t)
	ctx := context.Background()

	f, err := ps.FS.OpenFile(ctx, "/a", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ops := []proppatchOp{{Prop: xml.Name{Space: davNS, Local: "displayname"}, InnerXML: []byte("hello")}}
	mw, err := ps.Proppatch(ctx, "/a", ops)
	require.NoError(t, err)
	require.Len(t, mw.responses, 1)
	require.Len(t, mw.responses[0].Propstat, 1)
	assert.Contains(t, mw.responses[0].Propstat[0].Status, "200")

	dead, err := backend.Select("/a")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "hello", string(dead[0].InnerXML))
}

func TestProppatchRejectsLiveProperty(t *testing.T) {
	ps, _ := newTestPropSystem(t)
	ctx := context.Background()

	f, err := ps.FS.OpenFile(ctx, "/a", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ops := []proppatchOp{{Prop: xml.Name{Space: davNS, Local: "getcontentlength"}, InnerXML: []byte("5")}}
	mw, err := ps.Proppatch(ctx, "/a", ops)
	require.NoError(t, err)
	assert.Contains(t, mw.responses[0].Propstat[0].Status, "403")
}

func TestProppatchAtomicFailureReportsFailedDependency(t *testing.T) {
	ps, backend := newTestPropSystem(t)
	ctx := context.Background()

	f, err := ps.FS.OpenFile(ctx, "/a", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ops := []proppatchOp{
		{Prop: xml.Name{Space: davNS, Local: "displayname"}, InnerXML: []byte("hi")},
		{Prop: xml.Name{Space: davNS, Local: "getcontentlength"}, InnerXML: []byte("5")},
	}
	mw, err := ps.Proppatch(ctx, "/a", ops)
	require.NoError(t, err)

	var sawForbidden, sawFailedDep bool
	for _, ps := range mw.responses[0].Propstat {
		if strings.Contains(ps.Status, "403") {
			sawForbidden = true
		}
		if strings.Contains(ps.Status, "424") {
			sawFailedDep = true
		}
	}
	assert.True(t, sawForbidden)
	assert.True(t, sawFailedDep)

	dead, err := backend.Select("/a")
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestPropfindAllpropIncludesDefaultLive(t *testing.T) {
	ps, _ := newTestPropSystem(t)
	ctx := context.Background()

	f, err := ps.FS.OpenFile(ctx, "/a", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mw, err := ps.Propfind(ctx, "/a", propfindRequest{Allprop: true}, 0)
	require.NoError(t, err)
	require.Len(t, mw.responses, 1)
	names := map[string]bool{}
	for _, p := range mw.responses[0].Propstat[0].propsDirect {
		names[p.XMLName.Local] = true
	}
	for _, n := range defaultLiveNames {
		assert.True(t, names[n], "missing default-live property %q", n)
	}
}

func TestPropfindDepthOneListsChildren(t *testing.T) {
	ps, _ := newTestPropSystem(t)
	ctx := context.Background()

	require.NoError(t, ps.FS.Mkdir(ctx, "/dir", 0755))
	f, err := ps.FS.OpenFile(ctx, "/dir/child", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mw, err := ps.Propfind(ctx, "/dir", propfindRequest{Allprop: true}, 1)
	require.NoError(t, err)
	assert.Len(t, mw.responses, 2)
}

func TestCopyAndMoveResourceMirrorDeadProperties(t *testing.T) {
	ps, backend := newTestPropSystem(t)
	require.NoError(t, backend.Insert("/a", xml.Name{Space: davNS, Local: "displayname"}, []byte("x")))

	require.NoError(t, ps.CopyResource("/a", "/b", false))
	dead, err := backend.Select("/b")
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, ps.MoveResource("/a", "/c", false))
	deadA, _ := backend.Select("/a")
	assert.Empty(t, deadA)
	deadC, _ := backend.Select("/c")
	require.Len(t, deadC, 1)
}
