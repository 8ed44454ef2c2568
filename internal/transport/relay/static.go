package relay

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// spaHandler serves files from dir and falls back to index.html for unknown
// paths so client-side routes such as /client resolve.
type spaHandler struct {
	dir string
}

func setFrameHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Content-Security-Policy", "frame-ancestors *")
	h.Set("X-Frame-Options", "ALLOW-FROM *")
	h.Set("Accept-Ranges", "bytes")
}

func (s spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	setFrameHeaders(w.Header())

	name := path.Clean("/" + r.URL.Path)
	full := filepath.Join(s.dir, filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if fi, err := os.Stat(full); err == nil && !fi.IsDir() {
		http.ServeFile(w, r, full)
		return
	}
	index := filepath.Join(s.dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, index)
}
