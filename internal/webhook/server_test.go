package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendbot/mendbot/internal/domain"
	"github.com/mendbot/mendbot/internal/usecase/review"
	"github.com/mendbot/mendbot/internal/usecase/triage"
	"github.com/mendbot/mendbot/internal/webhook"
)

const testSecret = "hunter2"

type fakeReviewer struct {
	result review.Result
	err    error
	reqs   []review.Request
}

func (f *fakeReviewer) Run(ctx context.Context, req review.Request) (review.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.result, f.err
}

type fakeTriager struct {
	reqs []triage.Request
}

func (f *fakeTriager) Run(ctx context.Context, req triage.Request) (triage.Result, error) {
	f.reqs = append(f.reqs, req)
	return triage.Result{}, nil
}

type fakeResolver struct {
	fingerprint string
	ok          bool
	replies     []triage.Reply
}

func (f *fakeResolver) Resolve(ctx context.Context, reply triage.Reply) (string, bool, error) {
	f.replies = append(f.replies, reply)
	return f.fingerprint, f.ok, nil
}

type harness struct {
	reviewer *fakeReviewer
	triager  *fakeTriager
	resolver *fakeResolver
	handler  http.Handler
}

func newHarness(t *testing.T, reviewResult review.Result) *harness {
	t.Helper()
	h := &harness{
		reviewer: &fakeReviewer{result: reviewResult},
		triager:  &fakeTriager{},
		resolver: &fakeResolver{},
	}
	server := webhook.NewServer(h.reviewer, h.triager, h.resolver, nil, webhook.Config{
		Secret:   testSecret,
		BotLogin: "mendbot[bot]",
	})
	server.SetSyncDispatch()

	mux := http.NewServeMux()
	server.Routes(mux)
	h.handler = mux
	return h
}

func deliver(t *testing.T, handler http.Handler, event string, payload interface{}, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	if sign {
		req.Header.Set("X-Hub-Signature-256", webhook.Sign(body, testSecret))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func pullRequestPayload(action string, draft bool, author string) map[string]interface{} {
	return map[string]interface{}{
		"action": action,
		"pull_request": map[string]interface{}{
			"number": 42,
			"draft":  draft,
			"head":   map[string]string{"ref": "feature", "sha": "abc123"},
			"user":   map[string]string{"login": author},
		},
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]string{"login": "acme"},
		},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	h := newHarness(t, review.Result{})

	rec := deliver(t, h.handler, "pull_request", pullRequestPayload("opened", false, "octocat"), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.reviewer.reqs, "no side effects before authentication")

	body, err := json.Marshal(pullRequestPayload("opened", false, "octocat"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", webhook.Sign(append(body, 'x'), testSecret))
	rec2 := httptest.NewRecorder()
	h.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code, "signature over different bytes is rejected")
}

func TestWebhook_OpenedPRRunsReviewAndTriage(t *testing.T) {
	h := newHarness(t, review.Result{
		ReviewID: "rev-1",
		Branch:   "feature",
		Issues:   []domain.Issue{{Type: "bug-risk", Severity: "warning", File: "main.go", Line: 3, Message: "oops"}},
	})

	rec := deliver(t, h.handler, "pull_request", pullRequestPayload("opened", false, "octocat"), true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", decodeBody(t, rec)["status"])

	require.Len(t, h.reviewer.reqs, 1)
	assert.Equal(t, review.Request{
		Owner: "acme", Repo: "widgets", PullNumber: 42, Kind: domain.ReviewKindInitial,
	}, h.reviewer.reqs[0])

	require.Len(t, h.triager.reqs, 1)
	assert.Equal(t, "rev-1", h.triager.reqs[0].ReviewID)
	assert.Equal(t, "feature", h.triager.reqs[0].Branch)
	assert.Len(t, h.triager.reqs[0].Issues, 1)
}

func TestWebhook_CleanReviewNeverTriages(t *testing.T) {
	h := newHarness(t, review.Result{ReviewID: "rev-1", Branch: "feature"})

	rec := deliver(t, h.handler, "pull_request", pullRequestPayload("synchronize", false, "octocat"), true)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.reviewer.reqs, 1)
	assert.Empty(t, h.triager.reqs, "zero issues means triage never runs")
}

func TestWebhook_DraftPRSkipped(t *testing.T) {
	h := newHarness(t, review.Result{})

	rec := deliver(t, h.handler, "pull_request", pullRequestPayload("opened", true, "octocat"), true)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "skipped", body["status"])
	assert.NotEmpty(t, body["reason"])
	assert.Empty(t, h.reviewer.reqs)
}

func TestWebhook_UnhandledActionSkipped(t *testing.T) {
	h := newHarness(t, review.Result{})

	rec := deliver(t, h.handler, "pull_request", pullRequestPayload("closed", false, "octocat"), true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", decodeBody(t, rec)["status"])
	assert.Empty(t, h.reviewer.reqs)
}

func TestWebhook_UnhandledEventSkipped(t *testing.T) {
	h := newHarness(t, review.Result{})

	rec := deliver(t, h.handler, "issues", map[string]string{"action": "opened"}, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", decodeBody(t, rec)["status"])
}

func reviewCommentPayload(author string, inReplyTo int64) map[string]interface{} {
	return map[string]interface{}{
		"action": "created",
		"comment": map[string]interface{}{
			"id":             777,
			"in_reply_to_id": inReplyTo,
			"body":           "Yes, keep it exported.",
			"user":           map[string]string{"login": author},
		},
		"pull_request": map[string]interface{}{"number": 42},
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]string{"login": "acme"},
		},
	}
}

func TestWebhook_HumanReplyResolvesAndReReviews(t *testing.T) {
	h := newHarness(t, review.Result{ReviewID: "rev-2", Branch: "feature"})
	h.resolver.fingerprint = "cafe1234"
	h.resolver.ok = true

	rec := deliver(t, h.handler, "pull_request_review_comment", reviewCommentPayload("octocat", 501), true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", decodeBody(t, rec)["status"])

	require.Len(t, h.resolver.replies, 1)
	assert.Equal(t, int64(501), h.resolver.replies[0].InReplyTo)
	assert.Equal(t, "octocat", h.resolver.replies[0].Author)

	require.Len(t, h.reviewer.reqs, 1, "an answered clarification triggers a fresh cycle")
	assert.Equal(t, domain.ReviewKindCommentReply, h.reviewer.reqs[0].Kind)
}

func TestWebhook_OrdinaryReplyDoesNotReReview(t *testing.T) {
	h := newHarness(t, review.Result{})
	h.resolver.ok = false

	rec := deliver(t, h.handler, "pull_request_review_comment", reviewCommentPayload("octocat", 600), true)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.resolver.replies, 1)
	assert.Empty(t, h.reviewer.reqs)
}

func TestWebhook_OwnCommentIgnored(t *testing.T) {
	h := newHarness(t, review.Result{})

	rec := deliver(t, h.handler, "pull_request_review_comment", reviewCommentPayload("mendbot[bot]", 501), true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", decodeBody(t, rec)["status"])
	assert.Empty(t, h.resolver.replies)
}

func TestWebhook_Healthz(t *testing.T) {
	h := newHarness(t, review.Result{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}
