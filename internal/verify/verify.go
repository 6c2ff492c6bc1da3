// Package verify answers ownership verification requests: given an encoded
// identifier and a passphrase, it reports the project name it decrypts to.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/copyrightd/internal/ownership"
	"github.com/schaermu/copyrightd/internal/repo"
)

const (
	encryptedPrefix = "Encrypted:"
	keyPrefix       = "Key:"
	titlePrefix     = "verify:"
)

// ErrNoFragments is reported when a file carries no OWNER_ID lines
var ErrNoFragments = errors.New("no OWNER_ID fragments found")

// Outcome classifies a verification attempt
type Outcome string

const (
	// OutcomeMissing means the encrypted value or the key was not supplied
	OutcomeMissing Outcome = "missing"
	// OutcomeVerified means the value decrypted to a project name
	OutcomeVerified Outcome = "verified"
	// OutcomeFailed means the value did not decrypt under the key
	OutcomeFailed Outcome = "failed"
	// OutcomeError means verification could not be attempted
	OutcomeError Outcome = "error"
)

// Result is the outcome of one verification attempt
type Result struct {
	Outcome     Outcome
	ProjectName string
	Err         error
}

// Message renders the reply posted for the result
func (r Result) Message() string {
	switch r.Outcome {
	case OutcomeMissing:
		return "Missing required information. Please provide both 'Encrypted:' and 'Key:' values."
	case OutcomeVerified:
		return "✅ Successfully verified! Project name: " + r.ProjectName
	case OutcomeFailed:
		return "❌ Verification failed. Unable to decrypt with provided key."
	default:
		return fmt.Sprintf("Error processing verification: %v", r.Err)
	}
}

// IsRequest returns true if an issue title asks for verification
func IsRequest(title string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(title)), titlePrefix)
}

// ParseRequest extracts the Encrypted and Key values from body. Prefixes are
// case-sensitive and may appear in any order; a later line overrides an
// earlier one.
func ParseRequest(body string) (encrypted, key string) {
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, encryptedPrefix):
			encrypted = strings.TrimSpace(strings.TrimPrefix(line, encryptedPrefix))
		case strings.HasPrefix(line, keyPrefix):
			key = strings.TrimSpace(strings.TrimPrefix(line, keyPrefix))
		}
	}
	return encrypted, key
}

// Handler verifies identifiers with a fixed codec
type Handler struct {
	codec ownership.Codec
}

// NewHandler creates a handler decrypting with codec
func NewHandler(codec ownership.Codec) *Handler {
	return &Handler{codec: codec}
}

// Handle verifies the identifier in a request body
func (h *Handler) Handle(body string) Result {
	encrypted, key := ParseRequest(body)
	if encrypted == "" || key == "" {
		return Result{Outcome: OutcomeMissing}
	}
	return h.verify(encrypted, key)
}

// VerifyFile reassembles the OWNER_ID fragments found in content and
// verifies them with key
func (h *Handler) VerifyFile(content, key string) Result {
	fragments := ownership.ExtractFragments(content)
	if len(fragments) == 0 {
		return Result{Outcome: OutcomeError, Err: ErrNoFragments}
	}
	if key == "" {
		return Result{Outcome: OutcomeMissing}
	}
	return h.verify(ownership.Join(fragments), key)
}

func (h *Handler) verify(encrypted, key string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Outcome: OutcomeError, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := h.codec.Options.Validate(); err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}

	name, ok := h.codec.Decrypt(encrypted, key)
	if !ok {
		return Result{Outcome: OutcomeFailed}
	}
	return Result{Outcome: OutcomeVerified, ProjectName: name}
}

// Reply handles a newly opened verification issue and posts the result as
// a comment. It returns false for issues that are not verification
// requests.
func (h *Handler) Reply(ctx context.Context, commenter repo.Commenter, event repo.IssueEvent) (Result, bool, error) {
	if event.Action != "opened" || !IsRequest(event.Title) {
		return Result{}, false, nil
	}

	result := h.Handle(event.Body)
	if err := commenter.CreateComment(ctx, event.Number, result.Message()); err != nil {
		return result, true, fmt.Errorf("failed to reply to issue #%d: %w", event.Number, err)
	}
	return result, true, nil
}
