package github

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mendbot/mendbot/internal/adapter/remote"
)

const serviceName = "github"

// mapError maps a GitHub API error response to the shared remote taxonomy so
// the retry loop can make type-driven decisions.
func mapError(statusCode int, body []byte) *remote.Error {
	return remote.FromStatusCode(serviceName, statusCode, parseErrorMessage(statusCode, body))
}

// parseErrorMessage extracts a readable message from GitHub's error body.
func parseErrorMessage(statusCode int, body []byte) string {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Message == "" {
		preview := string(body)
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		if preview == "" {
			return fmt.Sprintf("HTTP %d", statusCode)
		}
		return fmt.Sprintf("HTTP %d: %s", statusCode, preview)
	}

	if len(errResp.Errors) > 0 {
		var details []string
		for _, e := range errResp.Errors {
			switch {
			case e.Message != "":
				details = append(details, e.Message)
			case e.Field != "":
				details = append(details, fmt.Sprintf("%s: %s", e.Field, e.Code))
			}
		}
		if len(details) > 0 {
			return fmt.Sprintf("%s: %s", errResp.Message, strings.Join(details, "; "))
		}
	}

	return errResp.Message
}
