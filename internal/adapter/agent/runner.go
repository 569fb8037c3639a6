// Package agent runs the LLM coding agent against a local workspace. The
// orchestrators treat it as a black box: prompt in, text and a token count
// out, with tool access scoped by permission mode.
package agent

import "context"

// Mode controls which tools the agent may use during a run.
type Mode string

const (
	// ModeReadOnly permits reading, listing, and searching workspace files.
	ModeReadOnly Mode = "read_only"
	// ModeReadWrite additionally permits writing workspace files.
	ModeReadWrite Mode = "read_write"
	// ModeNoTools permits no tool use at all.
	ModeNoTools Mode = "no_tools"
)

// Request is one agent invocation.
type Request struct {
	Prompt   string
	Workdir  string
	Mode     Mode
	MaxTurns int // hard cap on message rounds; 0 uses the runner default
}

// Result is the outcome of one agent invocation.
type Result struct {
	Text       string
	TokensUsed int
	// EditedFiles lists workspace-relative paths the agent wrote during the
	// run. Used to trust observed side effects over unparseable self-reports.
	EditedFiles []string
}

// Runner is the port the orchestrators use to invoke the agent.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}
