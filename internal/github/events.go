package github

import (
	"strings"

	gh "github.com/google/go-github/v66/github"
	"github.com/schaermu/copyrightd/internal/repo"
)

// ChangeEventFromPush converts a push payload. It returns false for pushes
// that delete a ref or do not target a branch.
func ChangeEventFromPush(e *gh.PushEvent) (repo.ChangeEvent, bool) {
	if e.GetDeleted() || !strings.HasPrefix(e.GetRef(), "refs/heads/") {
		return repo.ChangeEvent{}, false
	}

	owner := e.GetRepo().GetOwner().GetLogin()
	if owner == "" {
		owner = e.GetRepo().GetOwner().GetName()
	}

	event := repo.ChangeEvent{
		Repo:        repo.Repository{Owner: owner, Name: e.GetRepo().GetName()},
		Ref:         e.GetRef(),
		Actor:       e.GetSender().GetLogin(),
		HeadCommit:  e.GetAfter(),
		HeadMessage: e.GetHeadCommit().GetMessage(),
		BaseTree:    e.GetHeadCommit().GetTreeID(),
	}
	if id := e.GetHeadCommit().GetID(); id != "" {
		event.HeadCommit = id
	}

	for _, c := range e.Commits {
		event.Added = append(event.Added, c.Added...)
		event.Modified = append(event.Modified, c.Modified...)
		event.Removed = append(event.Removed, c.Removed...)
	}

	return event, true
}

// IssueEventFromPayload converts an issues payload
func IssueEventFromPayload(e *gh.IssuesEvent) repo.IssueEvent {
	return repo.IssueEvent{
		Repo: repo.Repository{
			Owner: e.GetRepo().GetOwner().GetLogin(),
			Name:  e.GetRepo().GetName(),
		},
		Action: e.GetAction(),
		Number: e.GetIssue().GetNumber(),
		Title:  e.GetIssue().GetTitle(),
		Body:   e.GetIssue().GetBody(),
		Actor:  e.GetSender().GetLogin(),
	}
}
