package handlers

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// AssetServer serves stored originals and thumbnails from baseStoragePath.
// It must be mounted on a wildcard route; the wildcard is the relative path
// produced by the media store, e.g.
//
//	r.Get("/assets/*", AssetServer(cfg.MediaStoragePath))
func AssetServer(baseStoragePath string) http.HandlerFunc {
	baseDir := filepath.Clean(baseStoragePath)
	log.Printf("Serving face assets from directory: %s", baseDir)

	return func(w http.ResponseWriter, r *http.Request) {
		relativePath, err := url.PathUnescape(chi.URLParam(r, "*"))
		if err != nil || relativePath == "" || strings.Contains(relativePath, "..") {
			http.Error(w, "Invalid asset path", http.StatusBadRequest)
			return
		}

		cleanedAssetPath := filepath.Clean(filepath.Join(baseDir, filepath.FromSlash(relativePath)))
		if !strings.HasPrefix(cleanedAssetPath, baseDir+string(filepath.Separator)) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			log.Printf("SECURITY: Attempted asset access outside storage directory: Request='%s', Resolved='%s', Allowed Base='%s'",
				r.URL.Path, cleanedAssetPath, baseDir)
			return
		}

		info, err := os.Stat(cleanedAssetPath)
		if os.IsNotExist(err) || (err == nil && info.IsDir()) {
			http.NotFound(w, r)
			return
		} else if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			log.Printf("Error stating asset file %s: %v", cleanedAssetPath, err)
			return
		}

		// asset names are random and never rewritten
		cacheDuration := 24 * time.Hour
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", int(cacheDuration.Seconds())))
		w.Header().Set("Expires", time.Now().Add(cacheDuration).Format(http.TimeFormat))

		http.ServeFile(w, r, cleanedAssetPath)
	}
}
