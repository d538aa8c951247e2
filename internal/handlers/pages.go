package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/apex/log"
)

// PageNames lists the templates every deployment must ship.
var PageNames = []string{"Home", "About", "Contact", "Methodology", "Datasets", "Upload"}

type Pages struct {
	templates *template.Template
	staticDir string
}

// NewPages parses templates/*.html from fsys. Files under staticDir are
// served by Static.
func NewPages(fsys fs.FS, staticDir string) (*Pages, error) {
	tmpl, err := template.ParseFS(fsys, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	for _, name := range PageNames {
		if tmpl.Lookup(name+".html") == nil {
			return nil, fmt.Errorf("missing template %s.html", name)
		}
	}
	return &Pages{templates: tmpl, staticDir: staticDir}, nil
}

// Render serves the named template. Output is buffered so a template error
// never reaches the client half-written.
func (p *Pages) Render(name string) http.HandlerFunc {
	file := name + ".html"
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := p.templates.ExecuteTemplate(&buf, file, nil); err != nil {
			log.WithError(err).WithField("template", file).Error("failed to render page")
			http.Error(w, MsgInternalError, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	}
}

// Static serves one named file from the static directory, or 404.
func (p *Pages) Static(name string) http.HandlerFunc {
	path := filepath.Join(p.staticDir, filepath.Base(name))
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, path)
	}
}
