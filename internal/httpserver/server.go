package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/credit-service/internal/auth"
	"github.com/ILLUVRSE/credit-service/internal/models"
	"github.com/ILLUVRSE/credit-service/internal/service"
	"github.com/ILLUVRSE/credit-service/internal/store"
)

type Server struct {
	service  *service.Service
	verifier *auth.Verifier
}

func New(svc *service.Service, verifier *auth.Verifier) *Server {
	return &Server{service: svc, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/credit/v1", func(r chi.Router) {
		r.Get("/providers/", s.handleListProviders)
		r.Route(`/providers/{providerID:[a-z0-9-]+}`, func(r chi.Router) {
			r.Get("/", s.handleGetProvider)
			r.Post("/callback/", s.handleCallback)
			r.Group(func(r chi.Router) {
				r.Use(s.verifier.Middleware)
				r.Post("/request/", s.handleCreateRequest)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Get("/eligibility/", s.handleEligibility)
			r.Get("/requests/", s.handleListRequests)
			r.Get("/courses/{courseID}/requirements", s.handleGetRequirements)

			r.Group(func(r chi.Router) {
				r.Use(requireStaff)
				r.Get("/courses/", s.handleListCourses)
				r.Post("/courses/", s.handleSetCourse)
				r.Get("/courses/{courseID}", s.handleGetCourse)
				r.Put("/courses/{courseID}", s.handleSetCourseByPath)
				r.Put("/courses/{courseID}/requirements", s.handleSetRequirements)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.service.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	var filterIDs []string
	if raw := r.URL.Query().Get("provider_ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filterIDs = append(filterIDs, id)
			}
		}
	}
	providers, err := s.service.Providers(r.Context(), filterIDs)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if providers == nil {
		providers = []models.CreditProvider{}
	}
	respondJSON(w, http.StatusOK, providers)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := s.service.Provider(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, provider)
}

type createRequestBody struct {
	CourseKey string `json:"course_key"`
	Username  string `json:"username"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.CourseKey == "" || body.Username == "" {
		respondError(w, http.StatusBadRequest, "course_key and username are required")
		return
	}
	if _, err := models.ParseCourseKey(body.CourseKey); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	principal, _ := auth.FromContext(r.Context())
	if !principal.Staff && principal.Username != body.Username {
		respondError(w, http.StatusForbidden, "cannot request credit for another user")
		return
	}

	descriptor, err := s.service.CreateRequest(r.Context(), body.CourseKey, chi.URLParam(r, "providerID"), body.Username)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, descriptor)
}

// handleCallback runs the provider callback pipeline. A malformed payload
// answers 400 with the problem named; everything else is status-code only.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	var payload map[string]interface{}
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err := s.service.ProcessCallback(r.Context(), chi.URLParam(r, "providerID"), payload)
	var malformed *service.MalformedCallbackError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.As(err, &malformed):
		respondError(w, http.StatusBadRequest, malformed.Msg)
	case errors.Is(err, service.ErrInvalidCreditStatus):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, service.ErrProviderNotConfigured),
		errors.Is(err, service.ErrInvalidSignature),
		errors.Is(err, service.ErrStaleTimestamp):
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, service.ErrCreditRequestNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	courseKey := r.URL.Query().Get("course_key")
	if username == "" || courseKey == "" {
		respondError(w, http.StatusBadRequest, "username and course_key are required")
		return
	}
	principal, _ := auth.FromContext(r.Context())
	if !principal.Staff && principal.Username != username {
		respondError(w, http.StatusForbidden, "cannot view eligibility for another user")
		return
	}

	eligibilities, err := s.service.Eligibilities(r.Context(), username)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	matched := []models.CreditEligibility{}
	for _, e := range eligibilities {
		if e.CourseID == courseKey {
			matched = append(matched, e)
		}
	}
	respondJSON(w, http.StatusOK, matched)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}
	principal, _ := auth.FromContext(r.Context())
	if !principal.Staff && principal.Username != username {
		respondError(w, http.StatusForbidden, "cannot view requests for another user")
		return
	}

	summaries, err := s.service.RequestsForUser(r.Context(), username)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if summaries == nil {
		summaries = []models.RequestSummary{}
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.service.CreditCourses(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if courses == nil {
		courses = []models.CreditCourse{}
	}
	respondJSON(w, http.StatusOK, courses)
}

type courseBody struct {
	CourseKey string `json:"course_key"`
	Enabled   bool   `json:"enabled"`
}

func (s *Server) handleSetCourse(w http.ResponseWriter, r *http.Request) {
	var body courseBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	course, err := s.service.SetCreditCourse(r.Context(), body.CourseKey, body.Enabled)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, course)
}

func (s *Server) handleSetCourseByPath(w http.ResponseWriter, r *http.Request) {
	var body courseBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	course, err := s.service.SetCreditCourse(r.Context(), chi.URLParam(r, "courseID"), body.Enabled)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, course)
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	course, err := s.service.CreditCourse(r.Context(), chi.URLParam(r, "courseID"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidCreditCourse) {
			respondError(w, http.StatusNotFound, "credit course not found")
			return
		}
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, course)
}

type requirementsBody struct {
	Requirements []service.RequirementSpec `json:"requirements"`
}

func (s *Server) handleSetRequirements(w http.ResponseWriter, r *http.Request) {
	var body requirementsBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	courseID := chi.URLParam(r, "courseID")
	if err := s.service.SetRequirements(r.Context(), courseID, body.Requirements); err != nil {
		s.respondServiceError(w, err)
		return
	}
	reqs, err := s.service.GetRequirements(r.Context(), courseID, "")
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if reqs == nil {
		reqs = []models.CreditRequirement{}
	}
	respondJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleGetRequirements(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	reqs, err := s.service.GetRequirements(r.Context(), chi.URLParam(r, "courseID"), namespace)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if reqs == nil {
		reqs = []models.CreditRequirement{}
	}
	respondJSON(w, http.StatusOK, reqs)
}

func requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.FromContext(r.Context())
		if !ok || !principal.Staff {
			respondError(w, http.StatusForbidden, "staff access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondServiceError maps engine errors to status codes without leaking
// datastore error text.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var invalidReqs *service.InvalidRequirementsError
	switch {
	case errors.As(err, &invalidReqs):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "invalid requirements",
			"problems": invalidReqs.Problems,
		})
	case errors.Is(err, service.ErrInvalidCreditCourse),
		errors.Is(err, service.ErrProviderNotConfigured),
		errors.Is(err, service.ErrRequestAlreadyCompleted),
		errors.Is(err, service.ErrInvalidCreditStatus):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUserIsNotEligible):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrProviderNotFound),
		errors.Is(err, service.ErrCreditRequestNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
