// Package gitrepo wraps the git command to version and synchronize the
// registry repository. Synchronization is fast-forward only: divergent
// histories and concurrent remote updates are detected and reported, never
// merged or force-pushed.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrDirtyWorkTree means the work tree has uncommitted changes. Every
// registry mutation must be committed before synchronizing.
var ErrDirtyWorkTree = errors.New("work tree has uncommitted changes")

// DivergedError means local and remote both have commits the other lacks.
// The registry is never merged automatically; the user must reconcile.
type DivergedError struct {
	Remote string
	Branch string
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("local branch %q and %s/%s have diverged: pull and reconcile manually, then run sync again", e.Branch, e.Remote, e.Branch)
}

// ConcurrentUpdateError means the remote advanced between the fetch and the
// push. Retrying the sync will integrate the new commits.
type ConcurrentUpdateError struct {
	Remote string
	Branch string
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("%s/%s was updated concurrently during sync: run sync again", e.Remote, e.Branch)
}

// SyncOutcome describes what a successful synchronization did.
type SyncOutcome struct {
	Remote        string
	Branch        string
	FastForwarded bool // remote commits were integrated locally
	Pushed        bool // local commits were sent to the remote
}

func (o *SyncOutcome) String() string {
	switch {
	case o.FastForwarded && o.Pushed:
		return "pulled remote changes and pushed local changes"
	case o.FastForwarded:
		return "pulled remote changes"
	case o.Pushed:
		return "pushed local changes"
	default:
		return "already up to date"
	}
}

// Client runs git operations against one repository root.
type Client struct {
	root       string
	sshKeyFile string
}

// NewClient creates a git client for the repository at root. If sshKeyFile
// is non-empty it is used for ssh remotes via GIT_SSH_COMMAND; otherwise
// the ambient ssh configuration (including any agent) applies.
func NewClient(root, sshKeyFile string) *Client {
	return &Client{root: root, sshKeyFile: sshKeyFile}
}

// Root returns the repository root path.
func (c *Client) Root() string { return c.root }

// IsRepo reports whether root contains a git repository.
func (c *Client) IsRepo() bool {
	_, err := os.Stat(filepath.Join(c.root, ".git"))
	return err == nil
}

// Init creates a new repository at root.
func (c *Client) Init(ctx context.Context) error {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return fmt.Errorf("creating repository directory: %w", err)
	}
	if _, err := c.run(ctx, "init"); err != nil {
		return fmt.Errorf("git init failed: %w", err)
	}
	return nil
}

// Clone clones url into root. The parent directory is created as needed.
func (c *Client) Clone(ctx context.Context, url string) error {
	if err := os.MkdirAll(filepath.Dir(c.root), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", url, c.root)
	c.configureAuth(cmd)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, string(output))
	}
	return nil
}

// IsClean reports whether the work tree has no uncommitted changes.
func (c *Client) IsClean(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return strings.TrimSpace(out) == "", nil
}

// CommitFiles stages the given paths (relative to root) and commits them.
func (c *Client) CommitFiles(ctx context.Context, message string, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Remotes lists the configured remote names.
func (c *Client) Remotes(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "remote")
	if err != nil {
		return nil, fmt.Errorf("listing remotes: %w", err)
	}
	var remotes []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			remotes = append(remotes, line)
		}
	}
	return remotes, nil
}

// AddRemote configures a remote.
func (c *Client) AddRemote(ctx context.Context, name, url string) error {
	if _, err := c.run(ctx, "remote", "add", name, url); err != nil {
		return fmt.Errorf("adding remote %q: %w", name, err)
	}
	return nil
}

// Synchronize integrates the remote branch fast-forward-only and then
// pushes. The order (pull before push) guarantees no device overwrites
// registry state it has not observed. On any error the local work tree and
// history are left exactly as they were.
func (c *Client) Synchronize(ctx context.Context, remote string) (*SyncOutcome, error) {
	clean, err := c.IsClean(ctx)
	if err != nil {
		return nil, err
	}
	if !clean {
		return nil, fmt.Errorf("cannot synchronize: %w", ErrDirtyWorkTree)
	}

	branch, err := c.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	cmd := c.command(ctx, "fetch", remote)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git fetch failed: %w: %s", err, string(output))
	}

	outcome := &SyncOutcome{Remote: remote, Branch: branch}
	remoteRef := remote + "/" + branch

	remoteHead, err := c.revParse(ctx, remoteRef)
	if err != nil {
		// The remote has no such branch yet: nothing to integrate, the
		// push below publishes it.
		remoteHead = ""
	}

	localHead, err := c.revParse(ctx, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	if remoteHead != "" && remoteHead != localHead {
		localBehind, err := c.isAncestor(ctx, "HEAD", remoteRef)
		if err != nil {
			return nil, err
		}
		remoteBehind, err := c.isAncestor(ctx, remoteRef, "HEAD")
		if err != nil {
			return nil, err
		}
		switch {
		case localBehind:
			if _, err := c.run(ctx, "merge", "--ff-only", remoteRef); err != nil {
				return nil, fmt.Errorf("fast-forward merge failed: %w", err)
			}
			outcome.FastForwarded = true
			localHead = remoteHead
		case remoteBehind:
			// Local is strictly ahead; the push publishes it.
		default:
			return nil, &DivergedError{Remote: remote, Branch: branch}
		}
	}

	if remoteHead == localHead {
		return outcome, nil
	}

	cmd = c.command(ctx, "push", remote, branch)
	if output, err := cmd.CombinedOutput(); err != nil {
		text := string(output)
		if pushRejected(text) {
			return nil, &ConcurrentUpdateError{Remote: remote, Branch: branch}
		}
		return nil, fmt.Errorf("git push failed: %w: %s", err, text)
	}
	outcome.Pushed = true

	return outcome, nil
}

// pushRejected recognizes git's stale-ref push failures: "! [rejected]"
// status lines, the "non-fast-forward" reason, and the "fetch first" hint.
// A hook refusal prints "! [remote rejected]" instead and stays a plain
// push error, since retrying after a pull would not help there.
func pushRejected(output string) bool {
	return strings.Contains(output, "[rejected]") ||
		strings.Contains(output, "non-fast-forward") ||
		strings.Contains(output, "fetch first")
}

// revParse resolves a ref to a commit hash.
func (c *Client) revParse(ctx context.Context, ref string) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// isAncestor reports whether a is an ancestor of b.
func (c *Client) isAncestor(ctx context.Context, a, b string) (bool, error) {
	cmd := c.command(ctx, "merge-base", "--is-ancestor", a, b)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base failed: %w", err)
}

// command builds a git command rooted at the repository with auth applied.
func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-C", c.root}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	c.configureAuth(cmd)
	return cmd
}

// configureAuth points git at the configured ssh key, if any. The key path
// ends up inside a shell command line, so it must be quoted.
func (c *Client) configureAuth(cmd *exec.Cmd) {
	if c.sshKeyFile == "" {
		return
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
	cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run executes a git command in the repository and returns stdout+stderr,
// wrapping the output into the error on failure.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := c.command(ctx, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}
