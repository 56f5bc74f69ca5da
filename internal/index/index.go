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

// Package index renders an HTML directory listing for GET on a collection
// (webdav.IndexRenderer), the Go-native counterpart of the original
// server's collection_index: a name/size/last-modified table with a link
// back to the parent collection.
package index

import (
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"sort"
	"strconv"
)

var pageTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta http-equiv="Content-Type" content="text/html; charset=UTF-8">
<title>Index of {{.URI}}</title>
<style type="text/css">body { font-family: arial }</style>
</head>
<body>
<h1>Index of {{.URI}}</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Last Modified</th></tr>
<tr><td colspan="3"><hr></td></tr>
{{if .ParentURI}}<tr><td colspan="3"><a href="{{.ParentURI}}">..</a></td></tr>{{end}}
{{range .Entries}}<tr><td><a href="{{.Href}}">{{.Name}}</a></td><td>{{.Size}}</td><td>{{.ModTime}}</td></tr>
{{end}}<tr><td colspan="3"><hr></td></tr>
</table>
</body>
</html>
`))

type entry struct {
	Name    string
	Href    string
	Size    string
	ModTime string
}

type page struct {
	URI       string
	ParentURI string
	Entries   []entry
}

// Renderer is a webdav.IndexRenderer writing the HTML page above.
type Renderer struct{}

// Render implements webdav.IndexRenderer.
func (Renderer) Render(w http.ResponseWriter, uri string, entries []fs.FileInfo) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	p := page{URI: uri}
	if uri != "/" {
		p.ParentURI = path.Dir(path.Clean(uri))
		if p.ParentURI != "/" {
			p.ParentURI += "/"
		}
	}
	for _, fi := range entries {
		href := path.Join(uri, fi.Name())
		size := "-"
		if !fi.IsDir() {
			size = formatSize(fi.Size())
		} else {
			href += "/"
		}
		p.Entries = append(p.Entries, entry{
			Name:    fi.Name(),
			Href:    href,
			Size:    size,
			ModTime: fi.ModTime().UTC().Format(http.TimeFormat),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = pageTemplate.Execute(w, p)
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
