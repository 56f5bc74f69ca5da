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
	"encoding/xml"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"sort"
)

// DeadProperty is a single (name, verbatim XML value) row as persisted by a
// PropertyBackend (§4.1, §9's "persisted as opaque XML strings").
type DeadProperty struct {
	Name     xml.Name
	InnerXML []byte
}

// PropertyBackend persists the dead-property table of §6 (`property(id,
// uri, property_name, property_value)`). URI-prefix matching for the
// subtree operations follows the collection convention of §4.1: DeleteSubtree
// on uri matches only rows whose uri is uri+"/..."; CopySubtree and
// MoveSubtree match those rows and uri's own rows as well.
type PropertyBackend interface {
	Select(uri string) ([]DeadProperty, error)
	Insert(uri string, name xml.Name, innerXML []byte) error
	Update(uri string, name xml.Name, innerXML []byte) error
	Delete(uri string, name xml.Name) error
	// DeleteAll removes every dead property of the single resource uri
	// (not its descendants); used when a resource itself is destroyed.
	DeleteAll(uri string) error
	CopySubtree(src, dst string) error
	MoveSubtree(src, dst string) error
	DeleteSubtree(uri string) error
}

// defaultLiveNames is the default-live property set of §3: always present
// (as an empty element when unresolved), returned by allprop, never
// writable or removable.
var defaultLiveNames = []string{
	"creationdate",
	"getlastmodified",
	"resourcetype",
	"getetag",
	"getcontentlength",
}

// nonDefaultLiveNames (§3) are readable only when explicitly named; they
// never appear in an allprop response.
var nonDefaultLiveNames = map[string]bool{
	"supportedlock":      true,
	"lockdiscovery":      true,
	"quota-available-bytes": true,
	"quota-used-bytes":   true,
}

// mutableDeadNames (§3) are the {DAV:} properties PROPPATCH may set/remove;
// any non-DAV-namespace property is always mutable dead regardless of name.
var mutableDeadNames = map[string]bool{
	"getcontenttype":     true,
	"displayname":        true,
	"getcontentlanguage": true,
}

func isDAVMutableDead(name xml.Name) bool {
	if name.Space != davNS {
		return true
	}
	return mutableDeadNames[name.Local]
}

func isDefaultLive(name xml.Name) bool {
	if name.Space != davNS {
		return false
	}
	for _, n := range defaultLiveNames {
		if n == name.Local {
			return true
		}
	}
	return false
}

func isNonDefaultLive(name xml.Name) bool {
	return name.Space == davNS && nonDefaultLiveNames[name.Local]
}

// PropSystem is the property store of §4.1: live + dead property
// resolution, PROPFIND and PROPPATCH, layered over a FileSystem (for live
// properties) and a PropertyBackend (for dead ones).
type PropSystem struct {
	FS       FileSystem
	Backend  PropertyBackend
	Locks    *Registry
	QuotaFn  func(ctx context.Context) (available, used int64, ok bool)
}

// liveValue resolves a default-live or non-default-live property to its
// inner XML, or reports that it is unresolved (still returned as an empty
// element for default-live, per §4.1 allprop semantics).
func (p *PropSystem) liveValue(ctx context.Context, uri string, fi fs.FileInfo, name xml.Name) (string, bool) {
	if name.Space != davNS {
		return "", false
	}
	switch name.Local {
	case "creationdate":
		return fi.ModTime().UTC().Format("2006-01-02T15:04:05Z"), true
	case "getlastmodified":
		return fi.ModTime().UTC().Format(http.TimeFormat), true
	case "resourcetype":
		if fi.IsDir() {
			return `<collection xmlns="DAV:"/>`, true
		}
		return "", true
	case "getetag":
		return etagValue(ctx, p.FS, uri, fi), true
	case "getcontentlength":
		if fi.IsDir() {
			return "", false
		}
		return fmt.Sprintf("%d", fi.Size()), true
	case "supportedlock":
		return `<lockentry xmlns="DAV:"><lockscope><exclusive/></lockscope><locktype><write/></locktype></lockentry>` +
			`<lockentry xmlns="DAV:"><lockscope><shared/></lockscope><locktype><write/></locktype></lockentry>`, true
	case "lockdiscovery":
		return p.lockDiscoveryXML(uri), true
	case "quota-available-bytes":
		if p.QuotaFn == nil {
			return "", false
		}
		avail, _, ok := p.QuotaFn(ctx)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%d", avail), true
	case "quota-used-bytes":
		if p.QuotaFn == nil {
			return "", false
		}
		_, used, ok := p.QuotaFn(ctx)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%d", used), true
	}
	return "", false
}

// lockDiscoveryXML renders one <activelock> per lock covering uri, per the
// original source's lock.py LockDiscovery (SPEC_FULL supplement 1): a
// resource under an infinite-depth ancestor lock *and* its own zero-depth
// lock reports both.
func (p *PropSystem) lockDiscoveryXML(uri string) string {
	if p.Locks == nil {
		return ""
	}
	locks := p.Locks.AllLocks(uri)
	var out []byte
	for _, l := range locks {
		out = append(out, []byte(activeLockXML(l))...)
	}
	return string(out)
}

func activeLockXML(l Lock) string {
	scope := "<exclusive/>"
	if l.Scope == ScopeShared {
		scope = "<shared/>"
	}
	depth := "0"
	if l.Depth == DepthInfinity {
		depth = "Infinity"
	}
	timeout := "Infinite"
	if l.Timeout > 0 {
		timeout = fmt.Sprintf("Second-%d", int64(l.Timeout.Seconds()))
	}
	owner := l.Owner
	if owner == "" {
		owner = "<owner/>"
	} else {
		owner = "<owner>" + owner + "</owner>"
	}
	return fmt.Sprintf(
		`<activelock><locktype><write/></locktype><lockscope>%s</lockscope><depth>%s</depth>%s<timeout>%s</timeout><locktoken><href>%s</href></locktoken></activelock>`,
		scope, depth, owner, timeout, l.Token,
	)
}

// Propfind serves §4.1's PROPFIND. mode.Named is used only in "named" mode.
func (p *PropSystem) Propfind(ctx context.Context, uri string, mode propfindRequest, depth int) (*multistatusWriter, error) {
	targets := []string{uri}
	if depth == 1 {
		fi, err := p.FS.Stat(ctx, uri)
		if err != nil {
			return nil, Status(http.StatusNotFound, err)
		}
		if fi.IsDir() {
			f, err := p.FS.OpenFile(ctx, uri, 0, 0)
			if err != nil {
				return nil, Status(statusCode(err), err)
			}
			children, err := f.Readdir(-1)
			_ = f.Close()
			if err != nil {
				return nil, Status(http.StatusInternalServerError, err)
			}
			sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })
			for _, c := range children {
				targets = append(targets, path.Join(uri, c.Name()))
			}
		}
	}

	mw := &multistatusWriter{}
	for _, t := range targets {
		if err := p.propfindOne(ctx, t, mode, mw); err != nil {
			return nil, err
		}
	}
	return mw, nil
}

func (p *PropSystem) propfindOne(ctx context.Context, uri string, mode propfindRequest, mw *multistatusWriter) error {
	fi, err := p.FS.Stat(ctx, uri)
	if err != nil {
		return Status(http.StatusNotFound, err)
	}
	if fi.IsDir() && uri != "" && uri[len(uri)-1] != '/' {
		uri += "/"
	}

	switch {
	case mode.Propname:
		var names []xmlProp
		for _, n := range defaultLiveNames {
			names = append(names, davProp(n, ""))
		}
		mw.addPropstat(uri, names, nil)
		return nil
	case mode.Allprop:
		var found []xmlProp
		for _, n := range defaultLiveNames {
			v, ok := p.liveValue(ctx, uri, fi, xml.Name{Space: davNS, Local: n})
			if !ok {
				v = ""
			}
			found = append(found, davProp(n, v))
		}
		mw.addPropstat(uri, found, nil)
		return nil
	default:
		var found, missing []xmlProp
		for _, name := range mode.Named {
			if v, ok := p.liveValue(ctx, uri, fi, name); ok {
				found = append(found, prop(name.Space, name.Local, v))
				continue
			}
			if isDefaultLive(name) || isNonDefaultLive(name) {
				missing = append(missing, prop(name.Space, name.Local, ""))
				continue
			}
			dead, err := p.Backend.Select(uri)
			if err != nil {
				return Status(http.StatusInternalServerError, err)
			}
			matched := false
			for _, d := range dead {
				if d.Name == name {
					found = append(found, prop(name.Space, name.Local, string(d.InnerXML)))
					matched = true
					break
				}
			}
			if !matched {
				missing = append(missing, prop(name.Space, name.Local, ""))
			}
		}
		mw.addPropstat(uri, found, missing)
		return nil
	}
}

// opOutcome is one op's validation result (§4.1 pass 1): whether this
// individual property is the one that fails, as opposed to an arm-wide
// verdict. §8 scenario 4 (one invalid SET alongside one valid SET) requires
// this per-property granularity: the invalid property reports 403 and the
// valid one reports 424, even though both are in the same (set) arm.
type opOutcome struct {
	name    xml.Name
	invalid bool
}

// Proppatch serves §4.1's PROPPATCH two-pass (validate, then atomic apply).
func (p *PropSystem) Proppatch(ctx context.Context, uri string, ops []proppatchOp) (*multistatusWriter, error) {
	results := make([]opOutcome, len(ops))
	anyInvalid := false
	for i, op := range ops {
		invalid := false
		if op.Remove {
			invalid = isDefaultLive(op.Prop) || isNonDefaultLive(op.Prop)
		} else {
			invalid = !isDAVMutableDead(op.Prop)
		}
		results[i] = opOutcome{name: op.Prop, invalid: invalid}
		if invalid {
			anyInvalid = true
		}
	}

	mw := &multistatusWriter{}
	if anyInvalid {
		groups := map[int][]xmlProp{}
		for _, r := range results {
			status := http.StatusFailedDependency
			if r.invalid {
				status = http.StatusForbidden
			}
			groups[status] = append(groups[status], prop(r.name.Space, r.name.Local, ""))
		}
		mw.addPropstatGroups(uri, groups)
		return mw, nil
	}

	// Atomic apply: every set/remove for this request succeeds together or
	// none do, from the caller's perspective (§5).
	for _, op := range ops {
		if op.Remove {
			if err := p.Backend.Delete(uri, op.Prop); err != nil {
				return nil, Status(http.StatusInternalServerError, err)
			}
			continue
		}
		existing, err := p.Backend.Select(uri)
		if err != nil {
			return nil, Status(http.StatusInternalServerError, err)
		}
		found := false
		for _, d := range existing {
			if d.Name == op.Prop {
				found = true
				break
			}
		}
		if found {
			err = p.Backend.Update(uri, op.Prop, op.InnerXML)
		} else {
			err = p.Backend.Insert(uri, op.Prop, op.InnerXML)
		}
		if err != nil {
			return nil, Status(http.StatusInternalServerError, err)
		}
	}

	var ok []xmlProp
	for _, op := range ops {
		ok = append(ok, prop(op.Prop.Space, op.Prop.Local, ""))
	}
	mw.addPropstatGroups(uri, map[int][]xmlProp{http.StatusOK: ok})
	return mw, nil
}

// DestroyResource removes uri's own dead properties, and (for a collection)
// its descendants' too, mirroring a DELETE/MOVE-away of uri (§4.1 "Subtree
// operations").
func (p *PropSystem) DestroyResource(uri string, collection bool) error {
	if err := p.Backend.DeleteAll(uri); err != nil {
		return err
	}
	if collection {
		return p.Backend.DeleteSubtree(uri)
	}
	return nil
}

// CopyResource mirrors a COPY of uri to dst (collection or not).
func (p *PropSystem) CopyResource(src, dst string, collection bool) error {
	if collection {
		return p.Backend.CopySubtree(src, dst)
	}
	existing, err := p.Backend.Select(src)
	if err != nil {
		return err
	}
	for _, d := range existing {
		if err := p.Backend.Insert(dst, d.Name, d.InnerXML); err != nil {
			return err
		}
	}
	return nil
}

// MoveResource mirrors a MOVE of uri to dst (collection or not).
func (p *PropSystem) MoveResource(src, dst string, collection bool) error {
	if collection {
		return p.Backend.MoveSubtree(src, dst)
	}
	existing, err := p.Backend.Select(src)
	if err != nil {
		return err
	}
	if err := p.Backend.DeleteAll(src); err != nil {
		return err
	}
	for _, d := range existing {
		if err := p.Backend.Insert(dst, d.Name, d.InnerXML); err != nil {
			return err
		}
	}
	return nil
}
