// Package webhook re-runs the mirror when GitHub reports a push to the
// mirrored branch.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fplsync/fplsync/internal/activation"
	"github.com/fplsync/fplsync/internal/config"
	"github.com/fplsync/fplsync/internal/github"
	"github.com/fplsync/fplsync/internal/mirror"
)

const (
	maxPayload    = 1 << 20
	debounceDelay = 2 * time.Second
	socketName    = "webhook"
)

// PushEvent holds the fields of a GitHub push payload that decide whether
// the mirror is re-run
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server receives GitHub webhooks and triggers mirror runs
type Server struct {
	cfg    *config.Config
	client github.Client
	logger *slog.Logger
	secret []byte

	syncMu      sync.Mutex // guards the fields below
	syncRunning bool
	syncPending bool
	last        Status

	debounce *debouncer

	// runSync performs one mirror run; replaced in tests
	runSync func(ctx context.Context) (*mirror.Report, error)
}

// NewServer creates a webhook server. The shared secret is read from
// serve.github_webhook_secret_file.
func NewServer(cfg *config.Config, client github.Client, logger *slog.Logger) (*Server, error) {
	raw, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	s := &Server{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		secret:   []byte(secret),
		debounce: &debouncer{delay: debounceDelay},
	}
	s.runSync = s.runMirror
	return s, nil
}

// Start mirrors once and then serves webhooks until ctx is canceled. The
// listener is the systemd socket named "webhook" when the process was
// socket-activated, serve.listen_addr otherwise.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync before starting webhook server")
	s.performSync(ctx)

	ln, activated, err := activation.Listen(socketName, s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		s.logger.Info("using socket-activated listener", "addr", ln.Addr().String())
	}
	return s.Serve(ctx, ln)
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Serve handles requests on ln until ctx is canceled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	status, msg := s.route(r)
	reply(w, status, msg)
}

// route validates a delivery and decides what to answer. Authentic but
// irrelevant deliveries are answered with 200.
func (s *Server) route(r *http.Request) (int, string) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		return http.StatusMethodNotAllowed, "Method not allowed"
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", r.Header.Get("Content-Type"))
		return http.StatusBadRequest, "Invalid content type"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		return http.StatusInternalServerError, "Failed to read body"
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature",
			"delivery", r.Header.Get("X-GitHub-Delivery"))
		return http.StatusForbidden, "Invalid signature"
	}

	eventType := r.Header.Get("X-GitHub-Event")
	logger := s.logger.With("event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	switch {
	case eventType == "ping":
		logger.Info("received ping")
		return http.StatusOK, "pong"
	case !s.isEventTypeAllowed(eventType):
		logger.Info("ignoring event type")
		return http.StatusOK, "Event type not configured for sync"
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		logger.Error("failed to parse webhook payload", "error", err)
		return http.StatusBadRequest, "Invalid payload"
	}

	switch {
	case !s.isRepoAllowed(event.Repository.FullName):
		logger.Info("ignoring event for other repository", "repo", event.Repository.FullName)
		return http.StatusOK, "Repository not mirrored"
	case !s.isRefAllowed(event.Ref):
		logger.Info("ignoring ref", "ref", event.Ref)
		return http.StatusOK, "Ref not configured for sync"
	}

	logger.Info("webhook accepted", "ref", event.Ref, "commit", event.After)
	s.debounce.trigger(func() {
		s.performSync(context.Background())
	})
	return http.StatusAccepted, "Sync triggered"
}

func reply(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg+"\n")
}

// verifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against the HMAC of body
func (s *Server) verifySignature(body []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// isEventTypeAllowed reports whether eventType triggers a sync. Without
// serve.allowed_event_types only push does.
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return eventType == "push"
	}
	return contains(s.cfg.Serve.AllowedEventTypes, eventType)
}

// isRepoAllowed reports whether the event comes from the mirrored repository
func (s *Server) isRepoAllowed(fullName string) bool {
	return strings.EqualFold(fullName, s.cfg.FullName())
}

// isRefAllowed reports whether ref triggers a sync. Without
// serve.allowed_refs only the mirrored branch does.
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return ref == s.cfg.BranchRef()
	}
	return contains(s.cfg.Serve.AllowedRefs, ref)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
