package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/authz/internal/platform/httpx"
)

var problemStatuses = []httpx.ErrorStatus{
	{Target: ErrResolutionFailure, Status: http.StatusServiceUnavailable, Title: "Authorization Unavailable"},
	{Target: ErrStoreFailure, Status: http.StatusServiceUnavailable, Title: "Store Unavailable"},
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: ErrConflict, Status: http.StatusConflict, Title: "Conflict"},
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
}

// Handler serves read-only introspection of decisions and the role hierarchy.
type Handler struct {
	logger *slog.Logger
	engine *Engine
	admin  *Admin
	rbac   Middleware
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, engine *Engine, admin *Admin, rbac Middleware) *Handler {
	return &Handler{logger: logger, engine: engine, admin: admin, rbac: rbac}
}

// MountRoutes registers introspection routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermissionRead))
		r.Get("/explain", h.explain)
		r.Get("/hierarchy", h.hierarchy)
		r.Get("/relationship", h.relationship)
		r.Get("/roles/{name}/permissions", h.rolePermissions)
		r.Get("/users/{userID}/permissions", h.userPermissions)
		r.Get("/stats", h.stats)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(PermissionManage))
		r.Post("/users/{userID}/cache/invalidate", h.invalidateUser)
	})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err, problemStatuses...)
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	permission := strings.TrimSpace(q.Get("permission"))
	if userID == "" || permission == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id and permission are required")
		return
	}
	scope := Scope{Type: strings.TrimSpace(q.Get("scope_type")), ID: strings.TrimSpace(q.Get("scope_id"))}
	decision, err := h.engine.ExplainScoped(r.Context(), userID, permission, scope)
	if err != nil {
		h.fail(w, "rbac explain", err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) hierarchy(w http.ResponseWriter, r *http.Request) {
	tree, err := h.engine.Resolver().HierarchyTree(r.Context())
	if err != nil {
		h.fail(w, "rbac hierarchy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tree)
}

func (h *Handler) relationship(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source, target := strings.TrimSpace(q.Get("source")), strings.TrimSpace(q.Get("target"))
	if source == "" || target == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "source and target are required")
		return
	}
	rel, err := h.engine.Resolver().Relationship(r.Context(), source, target)
	if err != nil {
		h.fail(w, "rbac relationship", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rel)
}

type rolePermissionsResponse struct {
	Role        string   `json:"role"`
	Mode        string   `json:"mode"`
	Permissions []string `json:"permissions"`
}

// rolePermissions defaults to the decision view; mode=display selects the
// superior-inheriting reporting view.
func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mode := r.URL.Query().Get("mode")
	var (
		perms []string
		err   error
	)
	switch mode {
	case "", "check":
		mode = "check"
		perms, err = h.engine.Resolver().EffectivePermissionsForCheck(r.Context(), name)
	case "display":
		perms, err = h.engine.Resolver().EffectivePermissionsForDisplay(r.Context(), name)
	default:
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "mode must be check or display")
		return
	}
	if err != nil {
		h.fail(w, "rbac role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rolePermissionsResponse{Role: name, Mode: mode, Permissions: perms})
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.engine.UserPermissions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, "rbac user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.Statistics(r.Context())
	if err != nil {
		h.fail(w, "rbac statistics", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) invalidateUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	h.engine.InvalidateUserCache(r.Context(), userID)
	actor, _ := UserIDFromContext(r.Context())
	h.logger.Info("rbac cache invalidated", slog.String("user_id", userID), slog.String("actor", actor))
	w.WriteHeader(http.StatusNoContent)
}
