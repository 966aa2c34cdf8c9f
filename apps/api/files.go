package main

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/backend"
)

const maxUploadSize = 25 << 20

// Upload stores the request body under a fresh name and returns its url.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.URL.Query().Get("name"))
	if name == "." || name == "/" || name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(s.files, 0o755); err != nil {
		jww.ERROR.Printf("Failed to create upload dir: %v", err)
		http.Error(w, "Failed to store file", http.StatusInternalServerError)
		return
	}

	stored := uuid.NewString() + "-" + name
	f, err := os.Create(filepath.Join(s.files, stored))
	if err != nil {
		jww.ERROR.Printf("Failed to create %s: %v", stored, err)
		http.Error(w, "Failed to store file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	n, err := io.Copy(f, http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		_ = os.Remove(f.Name())
		http.Error(w, "Upload too large or interrupted", http.StatusBadRequest)
		return
	}
	jww.INFO.Printf("Stored %s (%d bytes) for %s", stored, n, claimsOf(r).UserID)
	writeJSON(w, http.StatusCreated, backend.UploadResponse{URL: "/files/" + stored})
}

func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.files, name))
}
