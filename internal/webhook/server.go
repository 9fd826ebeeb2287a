// Package webhook receives YouTube WebSub push notifications and feeds them
// through the same dedup and delivery path as polling.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // WebSub signs with HMAC-SHA1
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"socialrelay/internal/engine"
	"socialrelay/internal/metrics"
	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/storage"
)

const (
	maxBody         = 1024 * 1024
	signatureHeader = "X-Hub-Signature"
)

// Webhook outcomes reported to metrics.
const (
	statusVerified     = "verified"
	statusRejected     = "rejected"
	statusDelivered    = "delivered"
	statusBadSignature = "bad_signature"
	statusMalformed    = "malformed"
)

// Server handles the WebSub callback and exposes health and metrics.
type Server struct {
	store   storage.Storage
	engine  *engine.Engine
	adapter platform.Adapter
	secret  string
	log     *slog.Logger
	metrics *metrics.Metrics
	router  chi.Router
}

// NewServer creates a webhook server delivering through adapter, which
// should be the YouTube adapter.
func NewServer(store storage.Storage, eng *engine.Engine, adapter platform.Adapter, secret string, m *metrics.Metrics, log *slog.Logger) *Server {
	s := &Server{
		store:   store,
		engine:  eng,
		adapter: adapter,
		secret:  secret,
		log:     log,
		metrics: m,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/webhook", s.handleVerify)
	r.Post("/webhook", s.handlePush)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("webhook server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" && mode != "unsubscribe" || challenge == "" {
		s.metrics.ObserveWebhook(statusRejected)
		http.NotFound(w, r)
		return
	}

	s.log.Info("hub verification", "mode", mode, "topic", q.Get("hub.topic"), "lease_seconds", q.Get("hub.lease_seconds"))
	s.metrics.ObserveWebhook(statusVerified)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	// The hub expects 2xx even for bad signatures; the body is dropped.
	if s.secret != "" && !validSignature(s.secret, r.Header.Get(signatureHeader), body) {
		s.log.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		s.metrics.ObserveWebhook(statusBadSignature)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	entries, err := ParseNotification(string(body))
	if err != nil {
		s.log.Warn("parse push notification", "error", err)
		s.metrics.ObserveWebhook(statusMalformed)
		http.Error(w, "malformed feed", http.StatusBadRequest)
		return
	}

	s.deliver(r.Context(), entries)
	s.metrics.ObserveWebhook(statusDelivered)
	w.WriteHeader(http.StatusNoContent)
}

// deliver groups entries per followed channel and ingests each group.
func (s *Server) deliver(ctx context.Context, entries []Entry) {
	byChannel := make(map[string][]model.CandidateItem)
	var order []string
	for _, e := range entries {
		if _, ok := byChannel[e.ChannelID]; !ok {
			order = append(order, e.ChannelID)
		}
		byChannel[e.ChannelID] = append(byChannel[e.ChannelID], model.CandidateItem{
			ID:          e.VideoID,
			ChannelID:   e.ChannelID,
			Text:        e.Title,
			URL:         e.Link,
			PublishedAt: e.Published,
		})
	}

	for _, channelID := range order {
		log := s.log.With("external_id", channelID)
		ch, err := s.store.FindFollowedChannel(ctx, s.adapter.Platform(), channelID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug("push for unfollowed channel")
			continue
		}
		if err != nil {
			log.Error("find followed channel", "error", err)
			continue
		}

		items := byChannel[channelID]
		if enricher, ok := s.adapter.(platform.Enricher); ok {
			enriched, err := enricher.Enrich(ctx, items)
			if err != nil {
				log.Warn("enrich pushed items", "error", err)
			} else {
				items = enriched
			}
		}

		if _, err := s.engine.Ingest(ctx, s.adapter, *ch, items, false); err != nil {
			log.Error("ingest pushed items", "error", err)
		}
	}
}

func validSignature(secret, header string, body []byte) bool {
	algo, sig, ok := strings.Cut(header, "=")
	if !ok || algo != "sha1" {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
