package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mendbot/mendbot/internal/domain"
	"github.com/mendbot/mendbot/internal/observability"
	"github.com/mendbot/mendbot/internal/store"
)

// Reply is a human review-comment reply, as delivered by the webhook.
type Reply struct {
	Owner      string
	Repo       string
	PullNumber int
	CommentID  int64 // the human's comment
	InReplyTo  int64 // root comment of the thread
	Author     string
	Body       string
}

// Resolver turns a human answer on a clarification thread back into an
// actionable fix: the lock deactivates and the fix re-enters PENDING so the
// next triage cycle retries it with the answer in hand.
type Resolver struct {
	store  store.Store
	logger observability.Logger
}

// NewResolver wires the clarification resolver.
func NewResolver(st store.Store, logger observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Resolver{store: st, logger: logger}
}

// Resolve checks whether the reply answers a pending clarification. Returns
// the resolved fingerprint, or ok == false when the thread has no active
// lock (an ordinary human conversation, not ours to act on).
func (r *Resolver) Resolve(ctx context.Context, reply Reply) (string, bool, error) {
	lock, err := r.store.GetClarificationLockByComment(ctx, reply.InReplyTo)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up clarification lock: %w", err)
	}
	if !lock.Active {
		return "", false, nil
	}

	if err := r.store.DeactivateClarificationLock(ctx, reply.Owner, reply.Repo, reply.PullNumber, lock.Fingerprint); err != nil {
		return "", false, fmt.Errorf("deactivating clarification lock: %w", err)
	}

	fix, err := r.store.GetFix(ctx, reply.Owner, reply.Repo, reply.PullNumber, lock.Fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lock without a fix row; nothing to reopen.
			return lock.Fingerprint, true, nil
		}
		return "", false, fmt.Errorf("loading fix state: %w", err)
	}

	if err := fix.Transition(domain.FixStatePending); err != nil {
		// Already settled some other way; the released lock is enough.
		r.logger.LogInfo(ctx, "clarified fix not reopened", map[string]interface{}{
			"fingerprint": lock.Fingerprint,
			"state":       string(fix.State),
		})
		return lock.Fingerprint, true, nil
	}
	fix.Reason = fmt.Sprintf("clarified by %s: %s", reply.Author, reply.Body)
	fix.UpdatedAt = time.Now()
	if err := r.store.UpsertFix(ctx, fix); err != nil {
		return "", false, fmt.Errorf("persisting reopened fix: %w", err)
	}

	r.logger.LogInfo(ctx, "clarification resolved", map[string]interface{}{
		"fingerprint": lock.Fingerprint,
		"author":      reply.Author,
	})
	return lock.Fingerprint, true, nil
}
