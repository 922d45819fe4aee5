// Package download serves bucket files over HTTP. It is the web access
// path for backends without native public URLs, and a way to gate access
// to buckets that have them.
//
// Two request shapes are accepted:
//
//	GET /{bucket}/{filename...}
//	GET /?bucket={bucket}&filename={filename}
//
// The query form matches filestore.RouteURL("/download", nil) base URLs.
//
// Usage:
//
//	h := download.New(hub, download.DefaultConfig(), log)
//	r := chi.NewRouter()
//	r.Mount("/download", h.Routes())
package download

import (
	"bufio"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"slices"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
	"github.com/koustreak/filestorage/internal/logger"
)

// sniffLen is the number of leading bytes inspected when the file
// extension does not name a content type.
const sniffLen = 3072

// InlineFunc decides per file whether the browser should display it
// instead of offering a download.
type InlineFunc func(bucket filestore.Bucket, fileName string) bool

// Config controls which buckets are served and how.
type Config struct {
	// Route is the mount path used by the server.
	Route string `yaml:"route"`

	// OnlyBuckets restricts downloads to these buckets when non-empty.
	OnlyBuckets []string `yaml:"only_buckets"`

	// ExceptBuckets are never served. It wins over OnlyBuckets.
	ExceptBuckets []string `yaml:"except_buckets"`

	// CheckFileExistence answers 404 before opening a missing file.
	CheckFileExistence bool `yaml:"check_file_existence"`

	// Inline sends Content-Disposition: inline instead of attachment.
	Inline bool `yaml:"inline"`

	// InlineFunc overrides Inline when set.
	InlineFunc InlineFunc `yaml:"-"`
}

// DefaultConfig serves every bucket as an attachment and checks existence
// first.
func DefaultConfig() *Config {
	return &Config{
		Route:              "/download",
		CheckFileExistence: true,
	}
}

// Handler streams files from the buckets of a registry.
type Handler struct {
	registry filestore.Registry
	cfg      Config
	log      *logger.Logger
}

// New returns a handler over registry. A nil cfg means DefaultConfig.
func New(registry filestore.Registry, cfg *Config, log *logger.Logger) *Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{registry: registry, cfg: *cfg, log: log.Component("download")}
}

// Routes returns a router serving both request shapes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.serveQuery)
	r.Head("/", h.serveQuery)
	r.Get("/{bucket}/*", h.servePath)
	r.Head("/{bucket}/*", h.servePath)
	return r
}

// Allowed reports whether bucket may be served. Names listed in
// ExceptBuckets are refused even when OnlyBuckets lists them too.
func (h *Handler) Allowed(bucket string) bool {
	if slices.Contains(h.cfg.ExceptBuckets, bucket) {
		return false
	}
	return len(h.cfg.OnlyBuckets) == 0 || slices.Contains(h.cfg.OnlyBuckets, bucket)
}

func (h *Handler) serveQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.ServeFile(w, r, q.Get("bucket"), q.Get("filename"))
}

func (h *Handler) servePath(w http.ResponseWriter, r *http.Request) {
	h.ServeFile(w, r, chi.URLParam(r, "bucket"), chi.URLParam(r, "*"))
}

// ServeFile writes fileName from bucketName to w.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request, bucketName, fileName string) {
	if bucketName == "" || fileName == "" {
		writeError(w, http.StatusBadRequest, "bucket and filename are required")
		return
	}
	if !h.Allowed(bucketName) || !h.registry.HasBucket(bucketName) {
		writeError(w, http.StatusNotFound, "bucket '"+bucketName+"' does not exist")
		return
	}

	ctx := r.Context()
	log := h.requestLog(r)
	fields := map[string]any{"bucket": bucketName, "filename": fileName}

	bucket, err := h.registry.Bucket(bucketName)
	if err != nil {
		h.fail(w, log, "unable to open bucket", err, fields)
		return
	}

	if h.cfg.CheckFileExistence {
		ok, err := bucket.FileExists(ctx, fileName)
		if err != nil {
			h.fail(w, log, "unable to check file", err, fields)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "file '"+fileName+"' does not exist at bucket '"+bucketName+"'")
			return
		}
	}

	f, err := bucket.OpenFile(ctx, fileName, filestore.ModeRead)
	if err != nil {
		h.fail(w, log, "unable to open file", err, fields)
		return
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, sniffLen)
	contentType := contentTypeOf(fileName, br)

	disposition := "attachment"
	if h.inline(bucket, fileName) {
		disposition = "inline"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": path.Base(fileName)}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, br); err != nil {
		log.ErrorWith("unable to stream file", err, fields)
		return
	}
	log.DebugWith("file has been served", fields)
}

// requestLog prefers the request-scoped logger installed by RequestLogger.
func (h *Handler) requestLog(r *http.Request) *logger.Logger {
	if l := logger.FromContext(r.Context()); l.Enabled() {
		return l.Component("download")
	}
	return h.log
}

func (h *Handler) inline(bucket filestore.Bucket, fileName string) bool {
	if h.cfg.InlineFunc != nil {
		return h.cfg.InlineFunc(bucket, fileName)
	}
	return h.cfg.Inline
}

// fail maps err to a status. Not found is expected and not logged as an
// error.
func (h *Handler) fail(w http.ResponseWriter, log *logger.Logger, msg string, err error, fields map[string]any) {
	switch {
	case errs.IsNotFound(err):
		writeError(w, http.StatusNotFound, "file does not exist")
	case errs.IsInvalidArgument(err), errs.IsUnknownPlaceholder(err):
		log.ErrorWith(msg, err, fields)
		writeError(w, http.StatusBadRequest, msg)
	case errs.IsPermissionDenied(err):
		log.ErrorWith(msg, err, fields)
		writeError(w, http.StatusForbidden, msg)
	case errs.IsTimeout(err), errs.IsConnectionFailed(err):
		log.ErrorWith(msg, err, fields)
		writeError(w, http.StatusServiceUnavailable, msg)
	default:
		log.ErrorWith(msg, err, fields)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

// contentTypeOf resolves the type from the file extension and falls back
// to sniffing the first bytes of br.
func contentTypeOf(fileName string, br *bufio.Reader) string {
	if ct := mime.TypeByExtension(path.Ext(fileName)); ct != "" {
		return ct
	}
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "application/octet-stream"
	}
	return mimetype.Detect(head).String()
}
