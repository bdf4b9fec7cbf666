// Package server exposes the HTTP surface: health, the Telegram webhook and
// the deep-link API used by the website.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"companion/internal/deeplink"
	"companion/internal/domain"
	"companion/internal/storage"
)

// LinkIssuer creates deep links for website CTAs.
type LinkIssuer interface {
	Issue(ctx context.Context, req deeplink.IssueRequest) (deeplink.Issued, error)
}

// LinkFinder resolves a stored deep link.
type LinkFinder interface {
	FindActiveDeepLink(ctx context.Context, id string, now time.Time) (domain.DeepLink, error)
}

// DueLister returns sessions whose next series step is due.
type DueLister interface {
	ListDueSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error)
}

// APIUser is the basic-auth user name for the /api routes; the password is
// Deps.APIToken.
const APIUser = "companion"

// Deps are the handlers the router mounts. A nil Webhook leaves the webhook
// route unregistered (polling mode). An empty APIToken leaves /api unmounted.
type Deps struct {
	Webhook  http.Handler
	Issuer   LinkIssuer
	Links    LinkFinder
	Due      DueLister
	APIToken string
	Now      func() time.Time
}

// Router builds the HTTP handler.
func Router(deps Deps, logger logrus.FieldLogger) http.Handler {
	log := logger.WithField("component", "http")
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log, NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health)

	if deps.Webhook != nil {
		r.Method(http.MethodPost, "/telegram/webhook", deps.Webhook)
	}

	if deps.APIToken == "" {
		log.Warn("API_TOKEN is not set, /api routes are disabled")
		return r
	}

	r.Route("/api", func(ar chi.Router) {
		ar.Use(middleware.BasicAuth("companion-api", map[string]string{APIUser: deps.APIToken}))

		ar.Route("/deeplinks", func(dr chi.Router) {
			dr.Use(middleware.AllowContentType("application/json"))
			dr.Post("/", issueLink(deps.Issuer, log))
			dr.Get("/{id}", getLink(deps.Links, deps.Now, log))
		})

		// Polled by the series sender.
		ar.Get("/sessions/due", dueSessions(deps.Due, deps.Now, log))
	})

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func issueLink(issuer LinkIssuer, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deeplink.IssueRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		out, err := issuer.Issue(r.Context(), req)
		switch {
		case errors.Is(err, deeplink.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			log.WithError(err).Error("Failed to issue deep link")
			writeError(w, http.StatusInternalServerError, "could not issue deep link")
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

func getLink(links LinkFinder, now func() time.Time, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !deeplink.LooksLikeShortID(id) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		link, err := links.FindActiveDeepLink(r.Context(), id, now())
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "not found")
			return
		case err != nil:
			log.WithError(err).WithField("deep_link_id", id).Error("Failed to load deep link")
			writeError(w, http.StatusInternalServerError, "could not load deep link")
			return
		}
		writeJSON(w, http.StatusOK, link)
	}
}

const (
	defaultDueLimit = 100
	maxDueLimit     = 1000
)

func dueSessions(due DueLister, now func() time.Time, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultDueLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxDueLimit)
		}
		sessions, err := due.ListDueSessions(r.Context(), now(), limit)
		if err != nil {
			log.WithError(err).Error("Failed to list due sessions")
			writeError(w, http.StatusInternalServerError, "could not list due sessions")
			return
		}
		if sessions == nil {
			sessions = []domain.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
