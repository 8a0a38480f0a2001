// Package static serves files from the public root of a resolved configuration.
//
// Request handling, in order:
//
//   redirects       first matching rule answers with a redirect
//   trailingSlash   add or remove trailing slashes when set
//   cleanUrls       "/x.html" and "/x/index.html" redirect to "/x"
//   files           an existing file is served as is
//   cleanUrls       "/x" is served from "x.html"
//   rewrites        first matching rule picks the file to serve
//   directories     "index.html", the single file or a listing
//
// Headers rules apply to every served file and listing.
package static

import (
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/One-com/gone/log"

	"github.com/One-com/serve/config"
	"github.com/One-com/serve/handlers"
)

// Always hidden from directory listings.
var defaultUnlisted = []string{".DS_Store", ".git"}

// Handler is the static content handler.
type Handler struct {
	cfg      *config.Resolved
	root     string
	rootReal string // root with symlinks evaluated
}

// New returns a Handler serving cfg.Public, which is relative to cwd.
func New(cfg *config.Resolved, cwd string) *Handler {
	root := cfg.Public
	if !filepath.IsAbs(root) {
		root = filepath.Join(cwd, root)
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolved = root
	}
	return &Handler{cfg: cfg, root: root, rootReal: resolved}
}

// Root returns the absolute directory served.
func (h *Handler) Root() string {
	return h.root
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	upath := r.URL.Path
	if !strings.HasPrefix(upath, "/") {
		upath = "/" + upath
	}
	slash := len(upath) > 1 && strings.HasSuffix(upath, "/")
	upath = path.Clean(upath)
	rel := strings.TrimPrefix(upath, "/")

	for _, rd := range h.cfg.Redirects {
		if handlers.Match(rd.Source, rel) {
			code := rd.Type
			if code == 0 {
				code = http.StatusMovedPermanently
			}
			http.Redirect(w, r, rd.Destination, code)
			return
		}
	}

	if ts := h.cfg.TrailingSlash; ts != nil && upath != "/" {
		switch {
		case *ts && !slash && path.Ext(upath) == "":
			http.Redirect(w, r, upath+"/", http.StatusMovedPermanently)
			return
		case !*ts && slash:
			http.Redirect(w, r, upath, http.StatusMovedPermanently)
			return
		}
	}

	clean := h.cfg.CleanURLs.Enabled(rel, true, handlers.Match)
	if clean && strings.HasSuffix(upath, ".html") {
		target := strings.TrimSuffix(upath, ".html")
		if path.Base(target) == "index" {
			target = path.Dir(target)
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	info, err := h.stat(upath)
	if err == nil && !info.IsDir() {
		h.serveFile(w, r, upath, info, http.StatusOK)
		return
	}
	dir := err == nil

	if clean && upath != "/" {
		if i, e := h.stat(upath + ".html"); e == nil && !i.IsDir() {
			h.serveFile(w, r, upath+".html", i, http.StatusOK)
			return
		}
	}

	for _, rw := range h.cfg.Rewrites {
		if !handlers.Match(rw.Source, rel) {
			continue
		}
		dest := path.Clean("/" + rw.Destination)
		if i, e := h.stat(dest); e == nil {
			if !i.IsDir() {
				h.serveFile(w, r, dest, i, http.StatusOK)
				return
			}
			upath, rel, dir = dest, strings.TrimPrefix(dest, "/"), true
		}
		break
	}

	if dir {
		h.serveDirectory(w, r, upath, rel)
		return
	}
	h.notFound(w, r)
}

// stat returns the file info of the request path below the root.
// Paths leaving the root through a symlink are not found unless symlinks are allowed.
func (h *Handler) stat(upath string) (os.FileInfo, error) {
	name := filepath.Join(h.root, filepath.FromSlash(upath))
	info, err := os.Stat(name)
	if err != nil {
		return nil, err
	}
	if !h.cfg.Symlinks {
		resolved, err := filepath.EvalSymlinks(name)
		if err != nil {
			return nil, err
		}
		if resolved != filepath.Join(h.rootReal, filepath.FromSlash(upath)) {
			return nil, os.ErrNotExist
		}
	}
	return info, nil
}

func (h *Handler) applyHeaders(w http.ResponseWriter, rel string) {
	for _, rule := range h.cfg.Headers {
		if !handlers.Match(rule.Source, rel) {
			continue
		}
		for _, hdr := range rule.Headers {
			w.Header().Set(hdr.Key, hdr.Value)
		}
	}
}

// ETag derived from size and modification time.
func etag(info os.FileInfo) string {
	return fmt.Sprintf(`"%x-%x"`, info.Size(), info.ModTime().UnixNano())
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, upath string, info os.FileInfo, status int) {
	name := filepath.Join(h.root, filepath.FromSlash(upath))
	f, err := os.Open(name)
	if err != nil {
		log.ERROR("Unable to open file", "path", name, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	h.applyHeaders(w, strings.TrimPrefix(upath, "/"))

	if status != http.StatusOK {
		ctype := mime.TypeByExtension(filepath.Ext(name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ctype)
		w.WriteHeader(status)
		if r.Method != http.MethodHead {
			io.Copy(w, f)
		}
		return
	}

	// A zero modtime keeps ServeContent from sending Last-Modified.
	modtime := info.ModTime()
	if h.cfg.ETag {
		w.Header().Set("ETag", etag(info))
		modtime = time.Time{}
	}
	http.ServeContent(w, r, info.Name(), modtime, f)
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	if info, err := h.stat("/404.html"); err == nil && !info.IsDir() {
		h.serveFile(w, r, "/404.html", info, http.StatusNotFound)
		return
	}
	http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
}

type entry struct {
	Name string
	Href string
	Dir  bool
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Files within {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<ul>
{{- if .Parent}}
<li><a href="{{.Parent}}">../</a></li>
{{- end}}
{{- range .Entries}}
<li><a href="{{.Href}}">{{.Name}}{{if .Dir}}/{{end}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))

func (h *Handler) unlisted(name string) bool {
	for _, p := range defaultUnlisted {
		if p == name {
			return true
		}
	}
	for _, p := range h.cfg.Unlisted {
		if handlers.Match(p, name) {
			return true
		}
	}
	return false
}

func (h *Handler) serveDirectory(w http.ResponseWriter, r *http.Request, upath, rel string) {

	index := path.Join(upath, "index.html")
	if info, err := h.stat(index); err == nil && !info.IsDir() {
		h.serveFile(w, r, index, info, http.StatusOK)
		return
	}

	if !h.cfg.DirectoryListing.Enabled(rel, true, handlers.Match) {
		h.notFound(w, r)
		return
	}

	files, err := os.ReadDir(filepath.Join(h.root, filepath.FromSlash(upath)))
	if err != nil {
		log.ERROR("Unable to read directory", "path", upath, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var entries []entry
	for _, f := range files {
		if h.unlisted(f.Name()) {
			continue
		}
		p := path.Join(upath, f.Name())
		info, err := h.stat(p)
		if err != nil {
			continue
		}
		entries = append(entries, entry{Name: f.Name(), Href: p, Dir: info.IsDir()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Dir != entries[j].Dir {
			return entries[i].Dir
		}
		return entries[i].Name < entries[j].Name
	})

	if h.cfg.RenderSingle && len(entries) == 1 && !entries[0].Dir {
		if info, err := h.stat(entries[0].Href); err == nil {
			h.serveFile(w, r, entries[0].Href, info, http.StatusOK)
			return
		}
	}

	data := struct {
		Path    string
		Parent  string
		Entries []entry
	}{Path: upath, Entries: entries}
	if upath != "/" {
		data.Parent = path.Dir(upath)
	}

	h.applyHeaders(w, rel)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if err = listingTemplate.Execute(w, data); err != nil {
		log.ERROR("Unable to render directory listing", "path", upath, "err", err)
	}
}
