package github

import (
	"errors"
	"net/http"

	gh "github.com/google/go-github/v66/github"
)

func statusCode(err error) int {
	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a GitHub API 404 Not Found response.
func IsNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

// IsConflict reports whether err is a 409 Conflict or a 422 validation
// failure, which is what GitHub answers for a non-fast-forward ref update.
func IsConflict(err error) bool {
	code := statusCode(err)
	return code == http.StatusConflict || code == http.StatusUnprocessableEntity
}
