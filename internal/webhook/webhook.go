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
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v66/github"
	"github.com/schaermu/copyrightd/internal/activation"
	"github.com/schaermu/copyrightd/internal/config"
	"github.com/schaermu/copyrightd/internal/github"
	"github.com/schaermu/copyrightd/internal/repo"
	"github.com/schaermu/copyrightd/internal/rewrite"
	"github.com/schaermu/copyrightd/internal/verify"
)

// maxBodySize bounds webhook payloads; push events with long commit lists
// can reach ~25 MB
const maxBodySize = 32 << 20

// deduplicationWindow is how long delivery IDs are remembered. GitHub
// redelivers within minutes.
const deduplicationWindow = time.Hour

// shutdownGrace is how long in-flight runs may continue after shutdown
// begins before their context is cancelled
const shutdownGrace = 30 * time.Second

// Rewriter runs the header rewrite for a push
type Rewriter interface {
	Run(ctx context.Context, client repo.Client, event repo.ChangeEvent) (*rewrite.Result, error)
}

// Verifier answers verification issues
type Verifier interface {
	Reply(ctx context.Context, commenter repo.Commenter, event repo.IssueEvent) (verify.Result, bool, error)
}

// Repositories hands out API clients bound to one repository
type Repositories interface {
	Client(r repo.Repository) repo.Client
	Commenter(r repo.Repository) repo.Commenter
}

// Server implements the webhook HTTP server
type Server struct {
	cfg      *config.Config
	rewriter Rewriter
	verifier Verifier
	repos    Repositories
	logger   *slog.Logger
	secret   []byte
	started  time.Time
	runs     *dispatcher
	grace    time.Duration

	mu         sync.Mutex // guards deliveries
	deliveries map[string]time.Time
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, rewriter Rewriter, verifier Verifier, repos Repositories, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.WebhookSecretFile)
	}

	return &Server{
		cfg:        cfg,
		rewriter:   rewriter,
		verifier:   verifier,
		repos:      repos,
		logger:     logger,
		secret:     secret,
		started:    time.Now().UTC(),
		runs:       newDispatcher(logger),
		grace:      shutdownGrace,
		deliveries: make(map[string]time.Time),
	}, nil
}

// Handler returns the HTTP handler serving the status page and webhooks
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleRoot)
	return mux
}

// Start listens on the socket passed by systemd, or on the configured
// address, and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	listener, activated, err := activation.Listener(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		s.logger.Info("using socket-activated listener", "addr", listener.Addr().String())
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled. Runs already dispatched
// get a grace period to finish before their context is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		s.runs.shutdown(s.grace)
		return err
	case err := <-errCh:
		return err
	}
}

// Wait blocks until every dispatched run has finished
func (s *Server) Wait() {
	s.runs.wait()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if r.URL.Path != "/" && r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		s.handleStatus(w)
	case http.MethodPost:
		s.handleWebhook(w, r)
	default:
		s.logger.Warn("rejecting request", "method", r.Method)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	}
}

// handleStatus serves the human-readable status page
func (s *Server) handleStatus(w http.ResponseWriter) {
	s.logger.Debug("serving status page")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `<html>
  <head><title>copyrightd status</title></head>
  <body>
    <h1>copyrightd is running</h1>
    <p>Server is up and ready to process GitHub webhooks.</p>
    <p>Started: %s</p>
  </body>
</html>
`, s.started.Format(time.RFC3339))
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid content type"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read body"})
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	logger := s.logger.With("event", eventType, "delivery_id", deliveryID)
	logger.Info("received webhook")

	if deliveryID != "" && s.isDuplicate(deliveryID) {
		logger.Info("ignoring duplicate delivery")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		logger.Info("ignoring disallowed event type")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	payload, err := gh.ParseWebHook(eventType, body)
	if err != nil {
		logger.Warn("failed to parse webhook payload", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	switch event := payload.(type) {
	case *gh.PingEvent:
		logger.Info("ping received", "hook_id", event.GetHookID())
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	case *gh.PushEvent:
		s.handlePush(w, logger, event)
	case *gh.IssuesEvent:
		s.handleIssue(r.Context(), w, logger, event)
	default:
		logger.Debug("no handler for event type")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (s *Server) handlePush(w http.ResponseWriter, logger *slog.Logger, payload *gh.PushEvent) {
	event, ok := github.ChangeEventFromPush(payload)
	if !ok {
		logger.Info("ignoring push that does not update a branch", "ref", payload.GetRef())
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if !s.isRefAllowed(event.Ref) {
		logger.Info("ignoring disallowed ref", "ref", event.Ref)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	logger.Info("push accepted",
		"repo", event.Repo.FullName(),
		"ref", event.Ref,
		"commit", event.HeadCommit,
		"actor", event.Actor)

	client := s.repos.Client(event.Repo)
	s.runs.dispatch(event.Repo.FullName()+"@"+event.Ref, func(ctx context.Context) {
		result, err := s.rewriter.Run(ctx, client, event)
		if err != nil {
			if errors.Is(err, repo.ErrRefConflict) {
				logger.Warn("branch moved during rewrite, the next push will retry", "ref", event.Ref, "error", err)
				return
			}
			logger.Error("rewrite failed", "ref", event.Ref, "error", err)
			return
		}
		logger.Info("rewrite finished", "ref", event.Ref, "outcome", result.Outcome, "commit", result.Commit)
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleIssue(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, payload *gh.IssuesEvent) {
	event := github.IssueEventFromPayload(payload)

	result, handled, err := s.verifier.Reply(ctx, s.repos.Commenter(event.Repo), event)
	if err != nil {
		logger.Error("failed to answer verification request", "issue", event.Number, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if !handled {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	logger.Info("verification answered", "repo", event.Repo.FullName(), "issue", event.Number, "outcome", result.Outcome)
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isDuplicate records a delivery ID and reports whether it was already seen
// within the deduplication window
func (s *Server) isDuplicate(deliveryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, receivedAt := range s.deliveries {
		if now.Sub(receivedAt) > deduplicationWindow {
			delete(s.deliveries, id)
		}
	}

	if _, exists := s.deliveries[deliveryID]; exists {
		return true
	}
	s.deliveries[deliveryID] = now
	return false
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
