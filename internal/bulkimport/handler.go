package bulkimport

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bcef-innovation/identity-core/internal/platform/httpx"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

// MaxUploadBytes is the default cap on the multipart body.
const MaxUploadBytes = 10 << 20

// Handler exposes the import endpoint.
type Handler struct {
	logger   *slog.Logger
	pipeline *Pipeline
	rbac     rbac.Middleware
	maxBytes int64
}

// NewHandler constructs a Handler instance. A non-positive maxBytes falls
// back to MaxUploadBytes.
func NewHandler(logger *slog.Logger, pipeline *Pipeline, rbac rbac.Middleware, maxBytes int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = MaxUploadBytes
	}
	return &Handler{logger: logger, pipeline: pipeline, rbac: rbac, maxBytes: maxBytes}
}

// MountRoutes registers import routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAuthenticated()).Post("/", h.handleImport)
}

// handleImport accepts a multipart "file" field and an optional comma
// separated "required_columns" field. Authorization runs inside the pipeline
// after the rate limit.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondError(w, shared.InvalidField("file", "upload too large"))
			return
		}
		httpx.RespondError(w, shared.InvalidField("file", "expected multipart form with a file field"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, shared.InvalidField("file", "missing file"))
		return
	}
	defer func() { _ = file.Close() }()

	var required []string
	if raw := r.FormValue("required_columns"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				required = append(required, c)
			}
		}
	}

	actor := rbac.PrincipalFromContext(r.Context())
	res, err := h.pipeline.Import(r.Context(), Source{Filename: header.Filename, Body: file}, required, actor)
	if err != nil {
		if errors.Is(err, ErrBatchAborted) {
			h.logger.ErrorContext(r.Context(), "bulk import aborted", slog.String("actor", actor.AccountID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Created == 0 {
		status = http.StatusBadRequest
	}
	httpx.JSON(w, status, res)
}
