// Package webhook receives hosting-platform events, authenticates them, and
// routes them into the review and triage pipelines. Pipeline work runs after
// the HTTP response: the platform retries slow deliveries, so the endpoint
// answers fast and the execution locks absorb the duplicates.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/mendbot/mendbot/internal/domain"
	"github.com/mendbot/mendbot/internal/observability"
	"github.com/mendbot/mendbot/internal/usecase/review"
	"github.com/mendbot/mendbot/internal/usecase/triage"
)

const maxBodyBytes = 10 << 20

// Reviewer runs one review pass.
type Reviewer interface {
	Run(ctx context.Context, req review.Request) (review.Result, error)
}

// Triager runs one triage cycle.
type Triager interface {
	Run(ctx context.Context, req triage.Request) (triage.Result, error)
}

// Resolver checks whether a human comment answers a pending clarification.
type Resolver interface {
	Resolve(ctx context.Context, reply triage.Reply) (string, bool, error)
}

// Config tunes the webhook server.
type Config struct {
	Secret   string
	BotLogin string
}

// Server is the webhook HTTP surface.
type Server struct {
	reviewer Reviewer
	triager  Triager
	resolver Resolver
	logger   observability.Logger
	cfg      Config

	// dispatch runs pipeline work after the response is sent. Tests replace
	// it with a synchronous version.
	dispatch func(fn func())
}

// NewServer wires the webhook server.
func NewServer(reviewer Reviewer, triager Triager, resolver Resolver, logger observability.Logger, cfg Config) *Server {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Server{
		reviewer: reviewer,
		triager:  triager,
		resolver: resolver,
		logger:   logger,
		cfg:      cfg,
		dispatch: func(fn func()) { go fn() },
	}
}

// SetSyncDispatch makes pipeline work run inline with the request (for
// testing).
func (s *Server) SetSyncDispatch() {
	s.dispatch = func(fn func()) { fn() }
}

// Routes registers the webhook endpoints on the mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// repository is the repo envelope common to all event payloads.
type repository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// pullRequestEvent is the payload for pull_request events.
type pullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int  `json:"number"`
		Draft  bool `json:"draft"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository repository `json:"repository"`
}

// reviewCommentEvent is the payload for pull_request_review_comment events.
type reviewCommentEvent struct {
	Action  string `json:"action"`
	Comment struct {
		ID        int64  `json:"id"`
		InReplyTo int64  `json:"in_reply_to_id"`
		Body      string `json:"body"`
		User      struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Repository repository `json:"repository"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusOK, skipped("only POST deliveries are handled"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reading request body failed"})
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Hub-Signature")
	}
	if !ValidateSignature(body, signature, s.cfg.Secret) {
		s.logger.LogWarning(r.Context(), "webhook signature rejected", map[string]interface{}{
			"remoteAddr": r.RemoteAddr,
		})
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "pull_request":
		s.handlePullRequest(w, body)
	case "pull_request_review_comment":
		s.handleReviewComment(w, body)
	default:
		writeJSON(w, http.StatusOK, skipped("event "+event+" is not handled"))
	}
}

func (s *Server) handlePullRequest(w http.ResponseWriter, body []byte) {
	var event pullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "malformed pull_request payload"})
		return
	}

	switch event.Action {
	case "opened", "synchronize", "reopened":
	default:
		writeJSON(w, http.StatusOK, skipped("action "+event.Action+" is not handled"))
		return
	}
	if event.PullRequest.Draft {
		writeJSON(w, http.StatusOK, skipped("draft pull requests are not reviewed"))
		return
	}

	req := review.Request{
		Owner:      event.Repository.Owner.Login,
		Repo:       event.Repository.Name,
		PullNumber: event.PullRequest.Number,
		Kind:       domain.ReviewKindInitial,
	}
	s.dispatch(func() { s.reviewThenTriage(context.Background(), req) })
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleReviewComment(w http.ResponseWriter, body []byte) {
	var event reviewCommentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "malformed review comment payload"})
		return
	}

	if event.Action != "created" {
		writeJSON(w, http.StatusOK, skipped("action "+event.Action+" is not handled"))
		return
	}
	if event.Comment.User.Login == s.cfg.BotLogin {
		writeJSON(w, http.StatusOK, skipped("own comments are ignored"))
		return
	}

	reply := triage.Reply{
		Owner:      event.Repository.Owner.Login,
		Repo:       event.Repository.Name,
		PullNumber: event.PullRequest.Number,
		CommentID:  event.Comment.ID,
		InReplyTo:  event.Comment.InReplyTo,
		Author:     event.Comment.User.Login,
		Body:       event.Comment.Body,
	}
	s.dispatch(func() { s.resolveThenReview(context.Background(), reply) })
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// reviewThenTriage runs the review pipeline and, when it produced issues,
// chains into triage.
func (s *Server) reviewThenTriage(ctx context.Context, req review.Request) {
	res, err := s.reviewer.Run(ctx, req)
	if err != nil {
		s.logger.LogError(ctx, "review pipeline failed", map[string]interface{}{
			"repo":  req.Owner + "/" + req.Repo,
			"pull":  req.PullNumber,
			"error": err.Error(),
		})
		return
	}
	if res.Skipped || len(res.Issues) == 0 {
		return
	}

	if _, err := s.triager.Run(ctx, triage.Request{
		Owner:      req.Owner,
		Repo:       req.Repo,
		PullNumber: req.PullNumber,
		ReviewID:   res.ReviewID,
		Branch:     res.Branch,
		Issues:     res.Issues,
	}); err != nil {
		s.logger.LogError(ctx, "triage pipeline failed", map[string]interface{}{
			"repo":  req.Owner + "/" + req.Repo,
			"pull":  req.PullNumber,
			"error": err.Error(),
		})
	}
}

// resolveThenReview checks a human comment against the pending clarification
// locks; an answered question schedules a fresh comment-reply review cycle,
// which retries the clarified fingerprint.
func (s *Server) resolveThenReview(ctx context.Context, reply triage.Reply) {
	fingerprint, ok, err := s.resolver.Resolve(ctx, reply)
	if err != nil {
		s.logger.LogError(ctx, "clarification resolution failed", map[string]interface{}{
			"repo":  reply.Owner + "/" + reply.Repo,
			"pull":  reply.PullNumber,
			"error": err.Error(),
		})
		return
	}
	if !ok {
		return
	}

	s.logger.LogInfo(ctx, "clarification answered, scheduling review cycle", map[string]interface{}{
		"repo":        reply.Owner + "/" + reply.Repo,
		"pull":        reply.PullNumber,
		"fingerprint": fingerprint,
	})
	s.reviewThenTriage(ctx, review.Request{
		Owner:      reply.Owner,
		Repo:       reply.Repo,
		PullNumber: reply.PullNumber,
		Kind:       domain.ReviewKindCommentReply,
	})
}

func skipped(reason string) map[string]string {
	return map[string]string{"status": "skipped", "reason": reason}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
