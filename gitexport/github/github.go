// Package github exports fragment snapshots to GitHub repositories.
package github

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	gogh "github.com/google/go-github/v68/github"

	"github.com/siteloom/siteloom/model"
)

// Exporter pushes fragment files to a GitHub repository named after the
// project. Each export replaces the repository contents with the fragment
// snapshot in a single commit.
type Exporter struct {
	gh    *gogh.Client
	owner string
}

// New creates an Exporter authenticated with the given token. owner is the
// user or organization repositories are created under; empty means the
// authenticated user.
func New(token, owner string) *Exporter {
	return &Exporter{
		gh:    gogh.NewClient(nil).WithAuthToken(token),
		owner: owner,
	}
}

func newWithClient(gh *gogh.Client, owner string) *Exporter {
	return &Exporter{gh: gh, owner: owner}
}

// Export pushes the fragment's files to the project's repository, creating
// the repository on first export. Returns the repository URL.
func (e *Exporter) Export(ctx context.Context, project *model.Project, frag *model.Fragment) (string, error) {
	if len(frag.Files) == 0 {
		return "", fmt.Errorf("fragment %s has no files", frag.ID)
	}

	owner, err := e.resolveOwner(ctx)
	if err != nil {
		return "", err
	}

	repo, err := e.ensureRepo(ctx, owner, project.Name)
	if err != nil {
		return "", err
	}
	branch := repo.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}

	ref, _, err := e.gh.Git.GetRef(ctx, owner, repo.GetName(), "refs/heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("getting %s ref: %w", branch, err)
	}

	paths := make([]string, 0, len(frag.Files))
	for path := range frag.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	entries := make([]*gogh.TreeEntry, 0, len(paths))
	for _, path := range paths {
		entries = append(entries, &gogh.TreeEntry{
			Path:    gogh.Ptr(path),
			Mode:    gogh.Ptr("100644"),
			Type:    gogh.Ptr("blob"),
			Content: gogh.Ptr(frag.Files[path]),
		})
	}

	// An empty base tree makes the commit a full snapshot: files dropped
	// since the last export disappear from the repository.
	tree, _, err := e.gh.Git.CreateTree(ctx, owner, repo.GetName(), "", entries)
	if err != nil {
		return "", fmt.Errorf("creating tree: %w", err)
	}

	message := frag.Title
	if message == "" {
		message = "Export fragment"
	}
	commit, _, err := e.gh.Git.CreateCommit(ctx, owner, repo.GetName(), &gogh.Commit{
		Message: gogh.Ptr(message),
		Tree:    tree,
		Parents: []*gogh.Commit{{SHA: ref.Object.SHA}},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("creating commit: %w", err)
	}

	ref.Object.SHA = commit.SHA
	if _, _, err := e.gh.Git.UpdateRef(ctx, owner, repo.GetName(), ref, true); err != nil {
		return "", fmt.Errorf("updating %s ref: %w", branch, err)
	}

	return repo.GetHTMLURL(), nil
}

func (e *Exporter) resolveOwner(ctx context.Context) (string, error) {
	if e.owner != "" {
		return e.owner, nil
	}
	user, _, err := e.gh.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("resolving authenticated user: %w", err)
	}
	return user.GetLogin(), nil
}

func (e *Exporter) ensureRepo(ctx context.Context, owner, name string) (*gogh.Repository, error) {
	repo, resp, err := e.gh.Repositories.Get(ctx, owner, name)
	if err == nil {
		return repo, nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("getting repository %s/%s: %w", owner, name, err)
	}

	// Create under the authenticated user unless owner is an org.
	org := ""
	user, _, err := e.gh.Users.Get(ctx, "")
	if err == nil && user.GetLogin() != owner {
		org = owner
	}

	repo, _, err = e.gh.Repositories.Create(ctx, org, &gogh.Repository{
		Name:     gogh.Ptr(name),
		Private:  gogh.Ptr(true),
		AutoInit: gogh.Ptr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("creating repository %s/%s: %w", owner, name, err)
	}
	return repo, nil
}
