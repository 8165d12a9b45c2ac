package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"canarybox/internal/audit"
)

// GitHubSender sets a commit status on the deployed commit. Events
// without a commit are ignored.
type GitHubSender struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubSender builds an authenticated client for "owner/name".
func NewGitHubSender(ownerRepo, token string) (*GitHubSender, error) {
	if token == "" {
		return nil, fmt.Errorf("no GitHub token")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return newGitHubSender(ownerRepo, github.NewClient(tc))
}

func newGitHubSender(ownerRepo string, client *github.Client) (*GitHubSender, error) {
	parts := strings.Split(ownerRepo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid owner/repo format: %s", ownerRepo)
	}
	return &GitHubSender{client: client, owner: parts[0], repo: parts[1]}, nil
}

func (g *GitHubSender) Name() string { return "github" }

// StatusState maps an event onto a GitHub commit status state.
func StatusState(t audit.EventType) string {
	switch t {
	case audit.EventDeploySuccess, audit.EventCanaryPromoted:
		return "success"
	case audit.EventDeployFatal:
		return "error"
	case audit.EventDeployStarted, audit.EventCanaryStarted, audit.EventCanaryReady:
		return "pending"
	default:
		return "failure"
	}
}

func (g *GitHubSender) Send(ctx context.Context, ev Event) error {
	if ev.Commit == "" {
		return nil
	}
	description := ev.Message
	// GitHub rejects descriptions over 140 characters
	if len(description) > 140 {
		description = description[:137] + "..."
	}
	status := &github.RepoStatus{
		State:       github.String(StatusState(ev.Type)),
		Description: github.String(description),
		Context:     github.String("canarybox/" + ev.Site),
	}
	if _, _, err := g.client.Repositories.CreateStatus(ctx, g.owner, g.repo, ev.Commit, status); err != nil {
		return fmt.Errorf("creating commit status: %w", err)
	}
	return nil
}
