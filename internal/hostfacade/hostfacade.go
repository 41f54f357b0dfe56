// Package hostfacade implements the hosting-service facade (spec.md
// §6) against the GitHub REST API, grounded in the
// github.com/google/go-github/v69 dependency carried by
// nugget-thane-ai-agent in the retrieval pack (the teacher itself has
// no GitHub API client, since its cluster is hosting-service
// agnostic).
package hostfacade

import (
	"context"
	"fmt"

	"github.com/google/go-github/v69/github"
	"golang.org/x/oauth2"
)

// Repo is the narrow repository shape the orchestrator needs back
// from list_repos/get_repo.
type Repo struct {
	Owner         string
	Name          string
	DefaultBranch string
	Private       bool
}

// PullRequest is the narrow PR shape find_prs_for_branch returns.
type PullRequest struct {
	Number int
	URL    string
	Title  string
	State  string
}

// URLs is the set of links urls_for assembles for a repo/branch pair.
type URLs struct {
	Repo    string
	Branch  string
	Compare string
	NewPR   string
}

// AuthStatus is check_auth's result shape.
type AuthStatus struct {
	OK    bool
	User  string
	Error string
}

// Facade implements the hosting-service operations spec.md §6 names.
type Facade struct {
	client *github.Client
	token  string
}

// New constructs a facade authenticated with a static access token.
// Token acquisition itself (e.g. an OAuth device flow) is out of
// scope for this core; get_access_token simply returns the
// configured token, as spec.md's facade contract only requires a
// string back.
func New(token string) *Facade {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return &Facade{client: github.NewClient(httpClient), token: token}
}

// CheckAuth verifies the configured token against the authenticated
// user endpoint.
func (f *Facade) CheckAuth(ctx context.Context) AuthStatus {
	user, _, err := f.client.Users.Get(ctx, "")
	if err != nil {
		return AuthStatus{OK: false, Error: err.Error()}
	}
	return AuthStatus{OK: true, User: user.GetLogin()}
}

// GetAccessToken returns the facade's configured token.
func (f *Facade) GetAccessToken() string {
	return f.token
}

// ListRepos lists repositories visible to the authenticated user,
// optionally scoped to owner or to visibility ("all", "public",
// "private"). When owner is set, visibility is not applied.
func (f *Facade) ListRepos(ctx context.Context, limit int, owner, visibility string) ([]Repo, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Visibility:  visibility,
		ListOptions: github.ListOptions{PerPage: limit},
	}
	var repos []Repo
	if owner != "" {
		ghRepos, _, err := f.client.Repositories.ListByUser(ctx, owner, &github.RepositoryListByUserOptions{
			ListOptions: github.ListOptions{PerPage: limit},
		})
		if err != nil {
			return nil, fmt.Errorf("listing repos for %s: %w", owner, err)
		}
		for _, r := range ghRepos {
			repos = append(repos, toRepo(r))
		}
		return repos, nil
	}

	ghRepos, _, err := f.client.Repositories.ListByAuthenticatedUser(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing repos: %w", err)
	}
	for _, r := range ghRepos {
		repos = append(repos, toRepo(r))
	}
	return repos, nil
}

// GetRepo fetches a single repository, returning nil if it does not
// exist (spec.md's `repo?` return shape).
func (f *Facade) GetRepo(ctx context.Context, owner, name string) (*Repo, error) {
	r, resp, err := f.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("getting repo %s/%s: %w", owner, name, err)
	}
	repo := toRepo(r)
	return &repo, nil
}

// FindPRsForBranch finds open pull requests whose head is branch.
func (f *Facade) FindPRsForBranch(ctx context.Context, owner, name, branch string) ([]PullRequest, error) {
	prs, _, err := f.client.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
		Head: fmt.Sprintf("%s:%s", owner, branch),
		State: "open",
	})
	if err != nil {
		return nil, fmt.Errorf("finding PRs for %s/%s@%s: %w", owner, name, branch, err)
	}
	out := make([]PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, PullRequest{
			Number: pr.GetNumber(),
			URL:    pr.GetHTMLURL(),
			Title:  pr.GetTitle(),
			State:  pr.GetState(),
		})
	}
	return out, nil
}

// GetFile fetches a single file's content at ref (default branch if
// ref is empty), returning nil if the file does not exist.
func (f *Facade) GetFile(ctx context.Context, owner, name, path, ref string) (*string, error) {
	var opts *github.RepositoryContentGetOptions
	if ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: ref}
	}
	contents, _, resp, err := f.client.Repositories.GetContents(ctx, owner, name, path, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("getting file %s/%s/%s: %w", owner, name, path, err)
	}
	if contents == nil {
		return nil, nil
	}
	decoded, err := contents.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding file content: %w", err)
	}
	return &decoded, nil
}

// URLsFor assembles the browser-facing links the UI needs for a
// repo/branch pair: repo home, branch tree view, compare, and new-PR
// links.
func (f *Facade) URLsFor(owner, name string, branch, baseBranch string) URLs {
	repoURL := fmt.Sprintf("https://github.com/%s/%s", owner, name)
	u := URLs{Repo: repoURL}
	if branch != "" {
		u.Branch = fmt.Sprintf("%s/tree/%s", repoURL, branch)
	}
	if branch != "" && baseBranch != "" {
		u.Compare = fmt.Sprintf("%s/compare/%s...%s", repoURL, baseBranch, branch)
		u.NewPR = fmt.Sprintf("%s/compare/%s...%s?expand=1", repoURL, baseBranch, branch)
	}
	return u
}

func toRepo(r *github.Repository) Repo {
	return Repo{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
	}
}
