// Package api exposes the HTTP control plane: the public request, quota
// and file endpoints plus an authenticated admin surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/RoseOO/nearline/internal/auth"
	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/models"
	"github.com/RoseOO/nearline/internal/repair"
	"github.com/RoseOO/nearline/internal/resolver"
)

// quotaExceededMessage is the exact body clients match on.
const quotaExceededMessage = "Requested file(s) exceed user's quota"

// Server represents the API server
type Server struct {
	router        *chi.Mux
	store         *catalog.Store
	authService   *auth.Service
	repairService *repair.Service
	resolvers     *resolver.Holder
	audit         *logging.AuditLogger
	config        *config.Config
	logger        *logging.Logger
}

// NewServer creates a new API server
func NewServer(
	store *catalog.Store,
	authService *auth.Service,
	repairService *repair.Service,
	resolvers *resolver.Holder,
	audit *logging.AuditLogger,
	cfg *config.Config,
	logger *logging.Logger,
) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		store:         store,
		authService:   authService,
		repairService: repairService,
		resolvers:     resolvers,
		audit:         audit,
		config:        cfg,
		logger:        logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Post("/api/v1/auth/login", s.handleLogin)

	r.Route("/api/v1/requests", func(r chi.Router) {
		r.Get("/", s.handleListRequests)
		r.Post("/", s.handleCreateRequest)
		r.Get("/{id}", s.handleGetRequest)
		r.Put("/{id}", s.handleUpdateRequest)
	})
	r.Get("/api/v1/quota/{user}", s.handleGetQuota)
	r.Get("/api/v1/files", s.handleListFiles)
	r.Get("/unverifiedspots", s.handleUnverifiedSpots)

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/api/v1/users", func(r chi.Router) {
			r.Get("/", s.handleListUsers)
			r.Post("/", s.handleCreateUser)
			r.Delete("/{id}", s.handleDeleteUser)
		})

		r.Route("/api/v1/apikeys", func(r chi.Router) {
			r.Get("/", s.handleListAPIKeys)
			r.Post("/", s.handleCreateAPIKey)
			r.Delete("/{id}", s.handleDeleteAPIKey)
		})

		r.Route("/api/v1/quotas", func(r chi.Router) {
			r.Get("/", s.handleListQuotas)
			r.Post("/", s.handleCreateQuota)
			r.Put("/{id}", s.handleUpdateQuota)
		})

		r.Route("/api/v1/disks", func(r chi.Router) {
			r.Get("/", s.handleListDisks)
			r.Post("/", s.handleCreateDisk)
		})

		r.Get("/api/v1/slots", s.handleListSlots)

		r.Route("/api/v1/repairs", func(r chi.Router) {
			r.Get("/", s.handleListRepairs)
			r.Post("/{name}", s.handleRunRepair)
		})

		r.Get("/api/v1/audit", s.handleListAudit)
	})
}

// Handler returns the underlying router for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Middleware and helpers

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey != "" {
			claims, err := s.authService.ValidateAPIKey(apiKey)
			if err != nil {
				s.respondError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			ctx := context.WithValue(r.Context(), "claims", claims)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		var tokenStr string
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenStr = parts[1]
			}
		}
		if tokenStr == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization")
			return
		}

		claims, err := s.authService.ValidateToken(tokenStr)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), "claims", claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission enforces a role check; it writes the 403 itself and
// reports whether the handler may proceed.
func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, action string) bool {
	claims, ok := r.Context().Value("claims").(*auth.Claims)
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "missing authorization")
		return false
	}
	if !auth.CheckPermission(claims.Role, action) {
		s.respondError(w, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

// auditLog records an audit log entry for the given action
func (s *Server) auditLog(r *http.Request, action, resourceType string, resourceID int64, details string) {
	var userID *int64
	if claims, ok := r.Context().Value("claims").(*auth.Claims); ok {
		userID = &claims.UserID
	}
	ipAddress := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ipAddress = fwd
	}
	s.audit.Log(userID, action, resourceType, &resourceID, details, ipAddress)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) getIDParam(r *http.Request) (int64, error) {
	idStr := chi.URLParam(r, "id")
	return strconv.ParseInt(idStr, 10, 64)
}

// parseRetention accepts the date-only form clients traditionally send as
// well as a full timestamp.
func parseRetention(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Auth handlers

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, user, err := s.authService.Login(req.Username, req.Password)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]interface{}{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

// Request handlers

func (s *Server) requestSummary(req *models.TapeRequest) map[string]interface{} {
	data := map[string]interface{}{
		"id":           req.ID,
		"quota":        req.User,
		"label":        req.Label,
		"request_date": isoTime(req.RequestDate),
		"retention":    isoTime(req.Retention),
		"active":       req.Active,
	}
	if req.StorageLocation != "" {
		data["storage_location"] = req.StorageLocation
	}
	if req.FirstFileOnDisk != nil {
		data["first_files_on_disk"] = isoTime(*req.FirstFileOnDisk)
	}
	if req.LastFileOnDisk != nil {
		data["last_files_on_disk"] = isoTime(*req.LastFileOnDisk)
	}
	return data
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.store.ListRequests(r.URL.Query().Get("user"))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]interface{}, 0, len(reqs))
	for i := range reqs {
		data := s.requestSummary(&reqs[i])
		if total, staged, err := s.store.MemberCounts(reqs[i].ID); err == nil {
			data["files_total"] = total
			data["files_staged"] = staged
		}
		out = append(out, data)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"requests": out})
}

func fileEntry(f *models.TapeFile) map[string]interface{} {
	entry := map[string]interface{}{
		"path":  f.LogicalPath,
		"size":  f.Size,
		"stage": f.Stage.Code(),
	}
	if f.VerifiedAt != nil {
		entry["verified"] = isoTime(*f.VerifiedAt)
	} else {
		entry["verified"] = nil
	}
	return entry
}

// resolveRequestFiles lists a request's files by priority: attached
// members, then the stored path list, then pattern expansion.
func (s *Server) resolveRequestFiles(req *models.TapeRequest) ([]map[string]interface{}, error) {
	members, err := s.store.MemberFiles(req.ID)
	if err != nil {
		return nil, err
	}
	if len(members) > 0 {
		out := make([]map[string]interface{}, 0, len(members))
		for i := range members {
			out = append(out, fileEntry(&members[i]))
		}
		return out, nil
	}

	paths, err := s.store.RequestPaths(req.ID)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		known, err := s.store.FilesIn(paths)
		if err != nil {
			return nil, err
		}
		byPath := make(map[string]*models.TapeFile, len(known))
		for i := range known {
			byPath[known[i].LogicalPath] = &known[i]
		}
		out := make([]map[string]interface{}, 0, len(paths))
		for _, p := range paths {
			if f, ok := byPath[p]; ok {
				out = append(out, fileEntry(f))
			} else {
				out = append(out, map[string]interface{}{"path": p})
			}
		}
		return out, nil
	}

	if req.RequestPatterns != "" {
		matches, err := s.store.FilesMatching(req.RequestPatterns, nil, 0)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, 0, len(matches))
		for i := range matches {
			out = append(out, fileEntry(&matches[i]))
		}
		return out, nil
	}
	return []map[string]interface{}{}, nil
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := s.store.RequestByID(id)
	if errors.Is(err, catalog.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data := s.requestSummary(req)
	data["request_patterns"] = req.RequestPatterns
	data["notify_on_first_file"] = req.NotifyOnFirst
	data["notify_on_last_file"] = req.NotifyOnLast

	files, err := s.resolveRequestFiles(req)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	data["files"] = files

	s.respondJSON(w, http.StatusOK, data)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Quota             string   `json:"quota"`
		Patterns          string   `json:"patterns"`
		Files             []string `json:"files"`
		Retention         string   `json:"retention"`
		Label             *string  `json:"label"`
		NotifyOnFirstFile *string  `json:"notify_on_first_file"`
		NotifyOnLastFile  *string  `json:"notify_on_last_file"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Files) == 0 && body.Patterns == "" {
		s.respondError(w, http.StatusBadRequest, "patterns or files required")
		return
	}

	quota, err := s.store.QuotaByUser(body.Quota)
	if errors.Is(err, catalog.ErrNotFound) {
		s.respondError(w, http.StatusForbidden, fmt.Sprintf("No quota for user %s", body.Quota))
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// An explicit file list wins over a pattern.
	patterns := body.Patterns
	if len(body.Files) > 0 {
		patterns = ""
	}

	var matched []models.TapeFile
	if len(body.Files) > 0 {
		matched, err = s.store.FilesIn(body.Files)
	} else {
		matched, err = s.store.FilesMatching(patterns, nil, 0)
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	var totalSize int64
	for i := range matched {
		totalSize += matched[i].Size
	}
	used, err := s.store.QuotaUsed(quota.ID, now)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if used+totalSize > quota.Size {
		s.respondError(w, http.StatusForbidden, quotaExceededMessage)
		return
	}

	retention := now.Add(s.config.DefaultRetentionPeriod())
	if body.Retention != "" {
		retention, err = parseRetention(body.Retention)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid retention date")
			return
		}
	}

	var label string
	switch {
	case body.Label != nil:
		label = *body.Label
	case len(body.Files) > 0:
		label = body.Files[0]
	default:
		label = patterns
	}

	// An explicitly empty notify address falls back to the quota email.
	notify := func(v *string) string {
		if v == nil {
			return ""
		}
		if *v == "" {
			return quota.Email
		}
		return *v
	}

	req := &models.TapeRequest{
		QuotaID:         quota.ID,
		User:            quota.User,
		Label:           label,
		RequestPatterns: patterns,
		RequestDate:     now,
		Retention:       retention,
		NotifyOnFirst:   notify(body.NotifyOnFirstFile),
		NotifyOnLast:    notify(body.NotifyOnLastFile),
	}
	id, err := s.store.CreateRequest(req, body.Files)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("Created tape request", map[string]interface{}{
		"request_id": id,
		"user":       quota.User,
		"files":      len(matched),
	})
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"req_id": id})
}

func (s *Server) handleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := s.store.RequestByID(id)
	if errors.Is(err, catalog.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var body struct {
		Quota             string  `json:"quota"`
		Retention         string  `json:"retention"`
		Label             *string `json:"label"`
		NotifyOnFirstFile *string `json:"notify_on_first_file"`
		NotifyOnLastFile  *string `json:"notify_on_last_file"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	quota, err := s.store.QuotaByUser(body.Quota)
	if errors.Is(err, catalog.ErrNotFound) {
		s.respondError(w, http.StatusForbidden, fmt.Sprintf("No quota for user %s", body.Quota))
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	retention := req.Retention
	if body.Retention != "" {
		retention, err = parseRetention(body.Retention)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid retention date")
			return
		}
	}

	label := req.Label
	if body.Label != nil {
		label = *body.Label
	}

	notifyFirst := req.NotifyOnFirst
	if body.NotifyOnFirstFile != nil {
		if *body.NotifyOnFirstFile == "" {
			notifyFirst = quota.Email
		} else {
			notifyFirst = *body.NotifyOnFirstFile
		}
	}
	notifyLast := req.NotifyOnLast
	if body.NotifyOnLastFile != nil {
		if *body.NotifyOnLastFile == "" {
			notifyLast = quota.Email
		} else {
			notifyLast = *body.NotifyOnLastFile
		}
	}

	if err := s.store.UpdateRequest(id, retention, label, notifyFirst, notifyLast); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"req_id": id})
}

// Quota handlers

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	quota, err := s.store.QuotaByUser(user)
	if errors.Is(err, catalog.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("No quota for user %s", user))
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	used, err := s.store.QuotaUsed(quota.ID, time.Now())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	reqs, err := s.store.ListRequests(user)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	summaries := make([]map[string]interface{}, 0, len(reqs))
	for i := range reqs {
		summaries = append(summaries, s.requestSummary(&reqs[i]))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":        quota.ID,
		"user":      quota.User,
		"size":      quota.Size,
		"used":      used,
		"remaining": quota.Size - used,
		"email":     quota.Email,
		"notes":     quota.Notes,
		"requests":  summaries,
	})
}

// File handlers

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	match := r.URL.Query().Get("match")
	stages := r.URL.Query().Get("stages")
	if stages == "" {
		stages = "UDTAR"
	}
	withSpot := strings.EqualFold(r.URL.Query().Get("spot"), "true")

	var stageList []models.Stage
	for _, c := range stages {
		if st, err := models.ParseStageCode(string(c)); err == nil {
			stageList = append(stageList, st)
		}
	}

	files, err := s.store.FilesMatching(match, stageList, 0)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var res *resolver.Resolver
	if withSpot {
		res = s.resolvers.Get()
	}

	out := make([]map[string]interface{}, 0, len(files))
	for i := range files {
		entry := fileEntry(&files[i])
		if res != nil {
			if _, spot, err := res.Spot(files[i].LogicalPath); err == nil {
				entry["spot-name"] = spot
			}
		}
		out = append(out, entry)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(out),
		"files": out,
	})
}

func (s *Server) handleUnverifiedSpots(w http.ResponseWriter, r *http.Request) {
	res := s.resolvers.Get()
	if res == nil {
		http.Error(w, "fileset mappings not loaded", http.StatusServiceUnavailable)
		return
	}

	files, err := s.store.FilesByStage(models.StageUnverified, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	seen := make(map[string]bool)
	for i := range files {
		if _, spot, err := res.Spot(files[i].LogicalPath); err == nil {
			seen[spot] = true
		}
	}
	spots := make([]string, 0, len(seen))
	for spot := range seen {
		spots = append(spots, spot)
	}
	sort.Strings(spots)

	w.Header().Set("Content-Type", "text/plain")
	for _, spot := range spots {
		fmt.Fprintln(w, spot)
	}
}

// User handlers

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "users.read") {
		return
	}
	users, err := s.authService.ListUsers()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "users.create") {
		return
	}
	var body struct {
		Username string          `json:"username"`
		Password string          `json:"password"`
		Role     models.UserRole `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		s.respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	switch body.Role {
	case models.RoleAdmin, models.RoleOperator, models.RoleReadOnly:
	default:
		s.respondError(w, http.StatusBadRequest, "invalid role")
		return
	}

	user, err := s.authService.CreateUser(body.Username, body.Password, body.Role)
	if errors.Is(err, auth.ErrUserExists) {
		s.respondError(w, http.StatusConflict, "user already exists")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.auditLog(r, "user.create", "user", user.ID, user.Username)
	s.respondJSON(w, http.StatusCreated, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "users.delete") {
		return
	}
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	err = s.authService.DeleteUser(id)
	switch {
	case errors.Is(err, auth.ErrCannotDeleteAdmin):
		s.respondError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, auth.ErrUserNotFound):
		s.respondError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.auditLog(r, "user.delete", "user", id, "")
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

// API key handlers

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "apikeys.read") {
		return
	}
	keys, err := s.authService.ListAPIKeys()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, keys)
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "apikeys.create") {
		return
	}
	var body struct {
		Name      string          `json:"name"`
		Role      models.UserRole `json:"role"`
		ExpiresAt *time.Time      `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	switch body.Role {
	case models.RoleAdmin, models.RoleOperator, models.RoleReadOnly:
	default:
		s.respondError(w, http.StatusBadRequest, "invalid role")
		return
	}

	rawKey, key, err := s.authService.GenerateAPIKey(body.Name, body.Role, body.ExpiresAt)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.auditLog(r, "apikey.create", "apikey", key.ID, key.Name)
	// The raw key is shown exactly once.
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"key":     rawKey,
		"api_key": key,
	})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "apikeys.delete") {
		return
	}
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid api key id")
		return
	}
	if err := s.authService.DeleteAPIKey(id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.auditLog(r, "apikey.delete", "apikey", id, "")
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

// Quota admin handlers

func (s *Server) handleListQuotas(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "quotas.read") {
		return
	}
	quotas, err := s.store.ListQuotas()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	out := make([]map[string]interface{}, 0, len(quotas))
	for i := range quotas {
		q := &quotas[i]
		used, err := s.store.QuotaUsed(q.ID, now)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, map[string]interface{}{
			"id":    q.ID,
			"user":  q.User,
			"size":  q.Size,
			"used":  used,
			"email": q.Email,
			"notes": q.Notes,
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateQuota(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "quotas.create") {
		return
	}
	var body struct {
		User  string `json:"user"`
		Size  int64  `json:"size"`
		Email string `json:"email"`
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.User == "" || body.Size <= 0 {
		s.respondError(w, http.StatusBadRequest, "user and a positive size are required")
		return
	}

	quota := &models.Quota{User: body.User, Size: body.Size, Email: body.Email, Notes: body.Notes}
	id, err := s.store.CreateQuota(quota)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.auditLog(r, "quota.create", "quota", id, body.User)
	s.respondJSON(w, http.StatusCreated, quota)
}

func (s *Server) handleUpdateQuota(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "quotas.update") {
		return
	}
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid quota id")
		return
	}
	quota, err := s.store.QuotaByID(id)
	if errors.Is(err, catalog.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "quota not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var body struct {
		Size  *int64  `json:"size"`
		Email *string `json:"email"`
		Notes *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	size := quota.Size
	if body.Size != nil {
		size = *body.Size
	}
	email := quota.Email
	if body.Email != nil {
		email = *body.Email
	}
	notes := quota.Notes
	if body.Notes != nil {
		notes = *body.Notes
	}

	if err := s.store.UpdateQuota(id, size, email, notes); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.auditLog(r, "quota.update", "quota", id, quota.User)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id})
}

// Disk handlers

func (s *Server) handleListDisks(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "disks.read") {
		return
	}
	disks, err := s.store.ListDisks()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, disks)
}

func (s *Server) handleCreateDisk(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "disks.create") {
		return
	}
	var body struct {
		Mountpoint string `json:"mountpoint"`
		Capacity   int64  `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Mountpoint == "" || body.Capacity <= 0 {
		s.respondError(w, http.StatusBadRequest, "mountpoint and a positive capacity are required")
		return
	}

	disk := &models.RestoreDisk{Mountpoint: body.Mountpoint, Capacity: body.Capacity}
	id, err := s.store.CreateDisk(disk)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.auditLog(r, "disk.create", "disk", id, body.Mountpoint)
	s.respondJSON(w, http.StatusCreated, disk)
}

// Slot handlers

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "slots.read") {
		return
	}
	slots, err := s.store.ListSlots()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, slots)
}

// Repair handlers

func (s *Server) handleListRepairs(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "repairs.run") {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"repairs": s.repairService.Names(),
	})
}

func (s *Server) handleRunRepair(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "repairs.run") {
		return
	}
	name := chi.URLParam(r, "name")

	err := s.repairService.Run(r.Context(), name)
	switch {
	case errors.Is(err, repair.ErrUnknownRepair):
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, repair.ErrNoResolver):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.auditLog(r, "repair.run", "repair", 0, name)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"repair": name, "status": "completed"})
}

// Audit handlers

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, "audit.read") {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := s.store.DB().Query(`
		SELECT id, user_id, action, resource_type, resource_id, details, ip_address, created_at
		FROM audit_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	logs := make([]models.AuditLog, 0, limit)
	for rows.Next() {
		var entry models.AuditLog
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.ResourceType,
			&entry.ResourceID, &entry.Details, &entry.IPAddress, &entry.CreatedAt); err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, logs)
}
