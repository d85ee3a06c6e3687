package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"wcfbridge/pkg/media"
	"wcfbridge/pkg/sdk"
)

const maxImageBytes = 20 << 20

// imageRequest sends a local path, an http(s) URL or base64 image data.
type imageRequest struct {
	Path     string `json:"path"`
	Receiver string `json:"receiver"`
	Base64   string `json:"base64,omitempty"`
}

type saveImageRequest struct {
	ID      uint64 `json:"id"`
	Extra   string `json:"extra"`
	Dir     string `json:"dir"`
	Timeout uint8  `json:"timeout"`
}

type saveFileRequest struct {
	ID    uint64 `json:"id"`
	Extra string `json:"extra"`
	Thumb string `json:"thumb"`
}

func (s *Server) sendImage(ctx context.Context, req imageRequest) (any, error) {
	path := req.Path
	switch {
	case req.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(req.Base64)
		if err != nil {
			return nil, invalid(fmt.Errorf("decode base64 image: %w", err))
		}
		path, err = s.storeImage(data, extensionFromPath(req.Path))
		if err != nil {
			return nil, err
		}
	case strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://"):
		var err error
		path, err = s.fetchImage(ctx, req.Path)
		if err != nil {
			return nil, err
		}
	}

	if err := s.dispatcher.SendImage(ctx, sdk.PathMsg{Path: path, Receiver: req.Receiver}); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) fetchImage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", invalid(fmt.Errorf("build image request: %w", err))
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download image: %s answered %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", fmt.Errorf("read image body: %w", err)
	}
	return s.storeImage(data, extensionFromContentType(resp.Header.Get("Content-Type")))
}

// storeImage writes data to a uniquely named file in the media store and
// returns its absolute path.
func (s *Server) storeImage(data []byte, ext string) (string, error) {
	path, err := s.media.Save(data, ext)
	if err != nil {
		if media.CategoryFromError(err) == media.ErrorEmpty {
			return "", invalid(errors.New("image is empty"))
		}
		return "", fmt.Errorf("save image: %w", err)
	}
	s.log.Debug("Image stored", "path", path, "bytes", len(data))
	return path, nil
}

// serveMedia returns a file previously stored for the SDK.
func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request) {
	path, err := s.media.Resolve(r.PathValue("name"))
	if err != nil {
		status := http.StatusInternalServerError
		switch media.CategoryFromError(err) {
		case media.ErrorNotFound:
			status = http.StatusNotFound
		case media.ErrorInvalidName, media.ErrorOutsideRoot:
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.serveFile(w, path)
}

func extensionFromPath(path string) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") {
		return "jpg"
	}
	return "png"
}

func extensionFromContentType(contentType string) string {
	switch strings.TrimSpace(strings.Split(contentType, ";")[0]) {
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// downloadImage streams the decrypted image bytes. Failures answer 500 with
// a plain text reason.
func (s *Server) downloadImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := queryUint(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout, err := strconv.ParseUint(q.Get("timeout"), 10, 8)
	if err != nil {
		timeout = 0
	}

	path, err := s.dispatcher.SaveImage(r.Context(), id, q.Get("extra"), q.Get("dir"), time.Duration(timeout)*time.Second)
	if err != nil {
		s.log.Warn("Image download failed", "id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.serveFile(w, path)
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := queryUint(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	extra := q.Get("extra")
	if !media.Within(s.opts.DownloadRoots, extra) {
		http.Error(w, "extra is outside the allowed download directories", http.StatusForbidden)
		return
	}
	if err := s.dispatcher.DownloadAttach(r.Context(), sdk.AttachMsg{ID: id, Thumb: q.Get("thumb"), Extra: extra}); err != nil {
		s.log.Warn("File download failed", "id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.serveFile(w, extra)
}

func (s *Server) serveFile(w http.ResponseWriter, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("read file: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(path))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

var contentTypes = map[string]string{
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/msword",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.ms-excel",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.ms-powerpoint",
	"zip":  "application/zip",
	"rar":  "application/x-rar-compressed",
	"txt":  "text/plain",
	"json": "application/json",
	"xml":  "application/xml",
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"js":   "application/javascript",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
