package domain_test

import (
	"testing"

	"github.com/mendbot/mendbot/internal/domain"
	"github.com/stretchr/testify/assert"
)

func makeIssue(file string, line int, message string) domain.Issue {
	return domain.Issue{
		Type:     domain.IssueTypeBugRisk,
		Severity: domain.SeverityWarning,
		File:     file,
		Line:     line,
		Message:  message,
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	issue := makeIssue("api/handler.go", 42, "Unchecked error from `db.Query`")

	assert.Equal(t, domain.Fingerprint(issue), domain.Fingerprint(issue))
	assert.Len(t, domain.Fingerprint(issue), 8)
}

func TestFingerprint_StableAcrossPhrasingDrift(t *testing.T) {
	base := makeIssue("api/handler.go", 42, "Unchecked error from `db.Query`")

	variants := []string{
		"unchecked   error from `db.Query`",
		"Unchecked error from `db.Query()`",
		"UNCHECKED ERROR FROM `db.Query`!",
		"Unchecked error\tfrom `db.Query` ",
	}
	for _, msg := range variants {
		variant := base
		variant.Message = msg
		assert.Equal(t, domain.Fingerprint(base), domain.Fingerprint(variant), "variant %q", msg)
	}
}

func TestFingerprint_ChangesWithLocation(t *testing.T) {
	base := makeIssue("api/handler.go", 42, "Unchecked error")

	otherLine := base
	otherLine.Line = 43
	assert.NotEqual(t, domain.Fingerprint(base), domain.Fingerprint(otherLine))

	otherFile := base
	otherFile.File = "api/other.go"
	assert.NotEqual(t, domain.Fingerprint(base), domain.Fingerprint(otherFile))

	otherType := base
	otherType.Type = domain.IssueTypeSecurity
	assert.NotEqual(t, domain.Fingerprint(base), domain.Fingerprint(otherType))
}

func TestFingerprint_DistinguishesUnrelatedMessages(t *testing.T) {
	a := makeIssue("a.go", 1, "SQL injection in query builder")
	b := makeIssue("a.go", 1, "Missing nil check on response")

	assert.NotEqual(t, domain.Fingerprint(a), domain.Fingerprint(b))
}

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Unchecked Error", "unchecked error"},
		{"strips code span", "call `foo.Bar()` safely", "call safely"},
		{"drops punctuation", "missing nil-check, really?", "missing nilcheck really"},
		{"collapses whitespace", "a \t b\n\nc", "a b c"},
		{"unterminated backtick kept", "watch `this", "watch this"},
		{"empty", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, domain.NormalizeMessage(tc.in))
		})
	}
}

func TestFixTransition(t *testing.T) {
	f := domain.Fix{Fingerprint: "abcd1234", State: domain.FixStatePending}

	assert.NoError(t, f.Transition(domain.FixStateWaitingForUser))
	assert.Error(t, f.Transition(domain.FixStateFailed), "waiting can only resolve or reset")
	assert.NoError(t, f.Transition(domain.FixStateAccepted))
	assert.Error(t, f.Transition(domain.FixStatePending), "accepted is terminal")
}

func TestFixTransition_FailedIsRetryable(t *testing.T) {
	f := domain.Fix{Fingerprint: "abcd1234", State: domain.FixStateFailed}

	assert.NoError(t, f.Transition(domain.FixStatePending))
	assert.NoError(t, f.Transition(domain.FixStateFailed))
	assert.NoError(t, f.Transition(domain.FixStateRejected))
	assert.Error(t, f.Transition(domain.FixStatePending))
}

func TestFixStateIsValid(t *testing.T) {
	assert.True(t, domain.FixStatePending.IsValid())
	assert.True(t, domain.FixStateWaitingForUser.IsValid())
	assert.False(t, domain.FixState("DONE").IsValid())
}
