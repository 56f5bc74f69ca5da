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

// This file holds the XML element factory of §2: namespaced DAV XML request
// parsing and multistatus response construction. The element shapes follow
// RFC 4918 §14, the way golang.org/x/net/webdav's xml.go (the teacher's
// ancestor) and the pack's google-go-webdav/xml.go render them.

package webdav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

const davNS = "DAV:"

// ixmlProp mirrors a single named, namespaced property as it appears on the
// wire, either as a bare name (PROPFIND request, propname response) or with
// a chardata/innerxml value (allprop response, PROPPATCH set).
type ixmlProp struct {
	XMLName  xml.Name
	Lang     string `xml:"xml:lang,attr,omitempty"`
	InnerXML []byte `xml:",innerxml"`
}

// propfindRequest is the parsed shape of a PROPFIND body (§4.1): which of
// the three modes was selected, and the named properties if "named".
type propfindRequest struct {
	Allprop  bool
	Propname bool
	Named    []xml.Name
}

// parsePropfind decodes a PROPFIND request body. An empty body (io.EOF on
// the first token) is allprop, per §4.1 ("missing body ≡ allprop").
func parsePropfind(r io.Reader) (*propfindRequest, error) {
	var pf struct {
		XMLName  xml.Name  `xml:"DAV: propfind"`
		Allprop  *struct{} `xml:"DAV: allprop"`
		Propname *struct{} `xml:"DAV: propname"`
		Prop     struct {
			Prop []xml.Name `xml:",any"`
		} `xml:"DAV: prop"`
	}
	d := xml.NewDecoder(r)
	if err := d.Decode(&pf); err != nil {
		if err == io.EOF {
			return &propfindRequest{Allprop: true}, nil
		}
		return nil, Status(http.StatusBadRequest, err)
	}
	n := 0
	if pf.Allprop != nil {
		n++
	}
	if pf.Propname != nil {
		n++
	}
	if len(pf.Prop.Prop) > 0 {
		n++
	}
	if n > 1 {
		return nil, Statusf(http.StatusBadRequest, "propfind: ambiguous request mode")
	}
	switch {
	case pf.Propname != nil:
		return &propfindRequest{Propname: true}, nil
	case len(pf.Prop.Prop) > 0:
		return &propfindRequest{Named: pf.Prop.Prop}, nil
	default:
		return &propfindRequest{Allprop: true}, nil
	}
}

// proppatchOp is one (set|remove) directive from a PROPPATCH body (§4.1).
type proppatchOp struct {
	Remove bool
	Prop   xml.Name
	// InnerXML is the verbatim value for a set directive; unused on remove.
	InnerXML []byte
}

// parseProppatch decodes a PROPPATCH body into an ordered list of
// directives, preserving document order because later directives for the
// same name are significant on the wire (last one wins is not mandated, but
// order must be kept for an honest multistatus echo).
func parseProppatch(r io.Reader) ([]proppatchOp, error) {
	d := xml.NewDecoder(r)
	var ops []proppatchOp

	if _, err := findStart(d, "propertyupdate"); err != nil {
		return nil, Status(http.StatusBadRequest, err)
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, Status(http.StatusBadRequest, err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "propertyupdate" {
				return ops, nil
			}
		case xml.StartElement:
			if t.Name.Local != "set" && t.Name.Local != "remove" {
				if err := d.Skip(); err != nil {
					return nil, Status(http.StatusBadRequest, err)
				}
				continue
			}
			remove := t.Name.Local == "remove"
			propStart, err := findStart(d, "prop")
			if err != nil {
				return nil, Status(http.StatusBadRequest, err)
			}
			if propStart == nil {
				continue
			}
			var props struct {
				Props []ixmlProp `xml:",any"`
			}
			if err := d.DecodeElement(&props, propStart); err != nil {
				return nil, Status(http.StatusBadRequest, err)
			}
			for _, p := range props.Props {
				ops = append(ops, proppatchOp{
					Remove:   remove,
					Prop:     p.XMLName,
					InnerXML: p.InnerXML,
				})
			}
		}
	}
}

// findStart scans for the next start element named local, returning nil if
// the document ends first.
func findStart(d *xml.Decoder, local string) (*xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == local {
			return &se, nil
		}
	}
}

// lockInfoXML is the parsed body of a LOCK request (§4.6.LOCK acquire).
type lockInfoXML struct {
	Scope Scope
	Owner string
}

// parseLockInfo decodes a lockinfo request body. An empty body (the refresh
// sub-flow) returns (nil, nil).
func parseLockInfo(r io.Reader) (*lockInfoXML, error) {
	var li struct {
		XMLName   xml.Name  `xml:"DAV: lockinfo"`
		Exclusive *struct{} `xml:"DAV: lockscope>exclusive"`
		Shared    *struct{} `xml:"DAV: lockscope>shared"`
		Write     *struct{} `xml:"DAV: locktype>write"`
		Owner     struct {
			InnerXML []byte `xml:",innerxml"`
		} `xml:"DAV: owner"`
	}
	d := xml.NewDecoder(r)
	if err := d.Decode(&li); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, Status(http.StatusBadRequest, err)
	}
	if li.Write == nil {
		return nil, Statusf(http.StatusBadRequest, "lockinfo: missing locktype/write")
	}
	scope := ScopeExclusive
	switch {
	case li.Exclusive != nil && li.Shared == nil:
		scope = ScopeExclusive
	case li.Shared != nil && li.Exclusive == nil:
		scope = ScopeShared
	default:
		return nil, Statusf(http.StatusBadRequest, "lockinfo: exactly one of lockscope/exclusive or lockscope/shared is required")
	}
	return &lockInfoXML{Scope: scope, Owner: string(li.Owner.InnerXML)}, nil
}

// --- Response (multistatus) construction ---

type xmlProp struct {
	XMLName  xml.Name
	InnerXML []byte `xml:",innerxml"`
}

type xmlPropstat struct {
	propsDirect         []xmlProp
	Status              string `xml:"DAV: status"`
	ResponseDescription string `xml:"DAV: responsedescription,omitempty"`
}

// MarshalXML renders <propstat><prop>...</prop><status>...</status></propstat>,
// working around encoding/xml's lack of support for a slice of
// differently-named elements nested one level down.
func (p xmlPropstat) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Space: davNS, Local: "propstat"}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	propStart := xml.StartElement{Name: xml.Name{Space: davNS, Local: "prop"}}
	if err := e.EncodeToken(propStart); err != nil {
		return err
	}
	for _, pr := range p.propsDirect {
		if err := e.EncodeElement(struct {
			InnerXML []byte `xml:",innerxml"`
		}{pr.InnerXML}, xml.StartElement{Name: pr.XMLName}); err != nil {
			return err
		}
	}
	if err := e.EncodeToken(propStart.End()); err != nil {
		return err
	}
	if err := e.EncodeElement(p.Status, xml.StartElement{Name: xml.Name{Space: davNS, Local: "status"}}); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

type xmlResponse struct {
	Href     []string      `xml:"DAV: href"`
	Propstat []xmlPropstat `xml:"DAV: propstat,omitempty"`
	Status   string        `xml:"DAV: status,omitempty"`
}

type multistatusWriter struct {
	responses []xmlResponse
}

func (m *multistatusWriter) addPropstat(href string, ok, missing []xmlProp) {
	r := xmlResponse{Href: []string{href}}
	if len(ok) > 0 {
		r.Propstat = append(r.Propstat, xmlPropstat{propsDirect: ok, Status: httpStatusLine(http.StatusOK)})
	}
	if len(missing) > 0 {
		r.Propstat = append(r.Propstat, xmlPropstat{propsDirect: missing, Status: httpStatusLine(http.StatusNotFound)})
	}
	m.responses = append(m.responses, r)
}

func (m *multistatusWriter) addPropstatGroups(href string, groups map[int][]xmlProp) {
	r := xmlResponse{Href: []string{href}}
	for code, props := range groups {
		r.Propstat = append(r.Propstat, xmlPropstat{propsDirect: props, Status: httpStatusLine(code)})
	}
	m.responses = append(m.responses, r)
}

func (m *multistatusWriter) addStatus(href string, code int) {
	m.responses = append(m.responses, xmlResponse{Href: []string{href}, Status: httpStatusLine(code)})
}

func httpStatusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

// write serializes the accumulated responses as a 207 Multi-Status body.
func (m *multistatusWriter) write(w http.ResponseWriter) error {
	type multistatus struct {
		XMLName  xml.Name      `xml:"DAV: multistatus"`
		Response []xmlResponse `xml:"DAV: response"`
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(multistatus{Response: m.responses}); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, err := w.Write(buf.Bytes())
	return err
}

// prop builds an xmlProp for name with the given inner XML (may be empty,
// for propname/allprop-absent responses).
func prop(space, local string, inner string) xmlProp {
	return xmlProp{XMLName: xml.Name{Space: space, Local: local}, InnerXML: []byte(inner)}
}

func davProp(local, inner string) xmlProp {
	return prop(davNS, local, inner)
}

// writeError writes a DAV:error body alongside the given status. PROPPATCH's
// atomic-failure report and LOCK's conflict report do not use it; both are
// written through multistatusWriter.
func writeError(w http.ResponseWriter, code int, condition string) {
	type davError struct {
		XMLName   xml.Name `xml:"DAV: error"`
		Condition string   `xml:",innerxml"`
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	_ = enc.Encode(davError{Condition: condition})
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}
