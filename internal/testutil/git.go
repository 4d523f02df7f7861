package testutil

import (
	"context"
	"sync"

	"bsr-go/internal/gitrepo"
)

// Commit records one CommitFiles call made against a StubGit.
type Commit struct {
	Message string
	Paths   []string
}

// StubGit satisfies the service's GitClient without touching a real
// repository. Commits are recorded for assertions; Synchronize returns the
// configured outcome or error.
type StubGit struct {
	mu          sync.Mutex
	initialized bool
	Commits     []Commit
	RemoteNames []string
	SyncOutcome *gitrepo.SyncOutcome
	SyncErr     error
	CloneErr    error
}

// NewStubGit creates a StubGit with a single "origin" remote and an
// up-to-date sync outcome.
func NewStubGit() *StubGit {
	return &StubGit{
		RemoteNames: []string{"origin"},
		SyncOutcome: &gitrepo.SyncOutcome{Remote: "origin", Branch: "main"},
	}
}

func (g *StubGit) IsRepo() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initialized
}

func (g *StubGit) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initialized = true
	return nil
}

func (g *StubGit) Clone(ctx context.Context, url string) error {
	if g.CloneErr != nil {
		return g.CloneErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initialized = true
	return nil
}

func (g *StubGit) CommitFiles(ctx context.Context, message string, paths ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Commits = append(g.Commits, Commit{Message: message, Paths: paths})
	return nil
}

func (g *StubGit) Remotes(ctx context.Context) ([]string, error) {
	return g.RemoteNames, nil
}

func (g *StubGit) Synchronize(ctx context.Context, remote string) (*gitrepo.SyncOutcome, error) {
	if g.SyncErr != nil {
		return nil, g.SyncErr
	}
	out := *g.SyncOutcome
	out.Remote = remote
	return &out, nil
}

// LastCommit returns the most recent recorded commit, or a zero Commit.
func (g *StubGit) LastCommit() Commit {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.Commits) == 0 {
		return Commit{}
	}
	return g.Commits[len(g.Commits)-1]
}
