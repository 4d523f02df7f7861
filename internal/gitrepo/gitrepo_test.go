package gitrepo

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// gitCmd runs a raw git command for test setup.
func gitCmd(t *testing.T, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

// newBareRemote creates a bare repository to act as the shared remote.
func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	gitCmd(t, "init", "--bare", "-b", "main", dir)
	return dir
}

// newClone clones the remote and configures a committer identity.
func newClone(t *testing.T, remote string) *Client {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clone")
	c := NewClient(dir, "")
	if err := c.Clone(context.Background(), remote); err != nil {
		t.Fatalf("clone: %v", err)
	}
	gitCmd(t, "-C", dir, "config", "user.email", "test@test.com")
	gitCmd(t, "-C", dir, "config", "user.name", "Test")
	gitCmd(t, "-C", dir, "checkout", "-B", "main")
	return c
}

// commitFile writes content to name inside the clone and commits it.
func commitFile(t *testing.T, c *Client, name, content, msg string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(c.Root(), name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := c.CommitFiles(context.Background(), msg, name); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCommitFilesAndIsClean(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "repo")
	c := NewClient(dir, "")
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	gitCmd(t, "-C", dir, "config", "user.email", "test@test.com")
	gitCmd(t, "-C", dir, "config", "user.name", "Test")

	if !c.IsRepo() {
		t.Fatal("IsRepo() = false after Init")
	}

	if err := os.WriteFile(filepath.Join(dir, "devices.yml"), []byte("version: 1\ndevices: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	clean, err := c.IsClean(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if clean {
		t.Fatal("expected dirty tree before commit")
	}

	if err := c.CommitFiles(ctx, "Initialize devices.yml", "devices.yml"); err != nil {
		t.Fatalf("CommitFiles: %v", err)
	}
	clean, err = c.IsClean(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("expected clean tree after commit")
	}
}

func TestSynchronize_PushAndFastForward(t *testing.T) {
	ctx := context.Background()
	remote := newBareRemote(t)

	a := newClone(t, remote)
	commitFile(t, a, "devices.yml", "version: 1\n", "Initial registry")

	// First sync publishes the branch.
	outcome, err := a.Synchronize(ctx, "origin")
	if err != nil {
		t.Fatalf("sync A: %v", err)
	}
	if !outcome.Pushed || outcome.FastForwarded {
		t.Fatalf("outcome = %+v, want pushed only", outcome)
	}

	// Second device picks it up, adds a commit and pushes.
	b := newClone(t, remote)
	commitFile(t, b, "storages.yml", "version: 1\n", "Add storages")
	outcome, err = b.Synchronize(ctx, "origin")
	if err != nil {
		t.Fatalf("sync B: %v", err)
	}
	if !outcome.Pushed {
		t.Fatalf("outcome = %+v, want pushed", outcome)
	}

	// First device fast-forwards onto B's commit.
	outcome, err = a.Synchronize(ctx, "origin")
	if err != nil {
		t.Fatalf("second sync A: %v", err)
	}
	if !outcome.FastForwarded || outcome.Pushed {
		t.Fatalf("outcome = %+v, want fast-forwarded only", outcome)
	}
	if _, err := os.Stat(filepath.Join(a.Root(), "storages.yml")); err != nil {
		t.Errorf("fast-forward did not materialize storages.yml: %v", err)
	}

	// Everyone in sync: no-op.
	outcome, err = a.Synchronize(ctx, "origin")
	if err != nil {
		t.Fatalf("third sync A: %v", err)
	}
	if outcome.Pushed || outcome.FastForwarded {
		t.Fatalf("outcome = %+v, want up to date", outcome)
	}
}

func TestSynchronize_Diverged(t *testing.T) {
	ctx := context.Background()
	remote := newBareRemote(t)

	a := newClone(t, remote)
	commitFile(t, a, "devices.yml", "version: 1\n", "Initial registry")
	if _, err := a.Synchronize(ctx, "origin"); err != nil {
		t.Fatalf("sync A: %v", err)
	}

	b := newClone(t, remote)

	// Independent commits on both sides.
	commitFile(t, a, "storages.yml", "from-a\n", "A change")
	commitFile(t, b, "storages.yml", "from-b\n", "B change")

	if _, err := a.Synchronize(ctx, "origin"); err != nil {
		t.Fatalf("sync A after change: %v", err)
	}

	headBefore := gitCmd(t, "-C", b.Root(), "rev-parse", "HEAD")
	_, err := b.Synchronize(ctx, "origin")
	var diverged *DivergedError
	if !errors.As(err, &diverged) {
		t.Fatalf("expected DivergedError, got %v", err)
	}

	// Neither side's history may change on a failed sync.
	headAfter := gitCmd(t, "-C", b.Root(), "rev-parse", "HEAD")
	if headBefore != headAfter {
		t.Error("local history changed despite diverged sync")
	}
	content, err := os.ReadFile(filepath.Join(b.Root(), "storages.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "from-b\n" {
		t.Errorf("work tree changed despite diverged sync: %q", content)
	}
}

func TestPushRejected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{
			name:   "stale ref with fetch-first hint",
			output: " ! [rejected]        main -> main (fetch first)\nerror: failed to push some refs to 'remote.git'\nhint: Updates were rejected because the remote contains work that you do not\nhint: have locally.\n",
			want:   true,
		},
		{
			name:   "non-fast-forward reason",
			output: " ! [rejected]        main -> main (non-fast-forward)\nerror: failed to push some refs\n",
			want:   true,
		},
		{
			name:   "hook decline is not a concurrent update",
			output: " ! [remote rejected] main -> main (pre-receive hook declined)\nerror: failed to push some refs to 'remote.git'\n",
			want:   false,
		},
		{
			name:   "unreachable remote",
			output: "ssh: connect to host nas port 22: Connection refused\nfatal: Could not read from remote repository.\n",
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pushRejected(tt.output); got != tt.want {
				t.Errorf("pushRejected(%q) = %v, want %v", tt.output, got, tt.want)
			}
		})
	}
}

func TestSynchronize_HookDeclinedPush(t *testing.T) {
	ctx := context.Background()
	remote := newBareRemote(t)
	hook := filepath.Join(remote, "hooks", "pre-receive")
	if err := os.WriteFile(hook, []byte("#!/bin/sh\nexit 1\n"), 0755); err != nil {
		t.Fatal(err)
	}

	a := newClone(t, remote)
	commitFile(t, a, "devices.yml", "version: 1\n", "Initial registry")

	_, err := a.Synchronize(ctx, "origin")
	if err == nil {
		t.Fatal("expected push failure from declining hook")
	}
	var concurrent *ConcurrentUpdateError
	if errors.As(err, &concurrent) {
		t.Fatalf("hook decline misread as concurrent update: %v", err)
	}
	var diverged *DivergedError
	if errors.As(err, &diverged) {
		t.Fatalf("hook decline misread as divergence: %v", err)
	}
}

func TestSynchronize_DirtyWorkTree(t *testing.T) {
	ctx := context.Background()
	remote := newBareRemote(t)

	a := newClone(t, remote)
	commitFile(t, a, "devices.yml", "version: 1\n", "Initial registry")
	if err := os.WriteFile(filepath.Join(a.Root(), "devices.yml"), []byte("modified\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := a.Synchronize(ctx, "origin")
	if !errors.Is(err, ErrDirtyWorkTree) {
		t.Fatalf("expected ErrDirtyWorkTree, got %v", err)
	}
}

func TestRemotes(t *testing.T) {
	ctx := context.Background()
	remote := newBareRemote(t)

	a := newClone(t, remote)
	remotes, err := a.Remotes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(remotes) != 1 || remotes[0] != "origin" {
		t.Fatalf("Remotes() = %v, want [origin]", remotes)
	}

	if err := a.AddRemote(ctx, "mirror", remote); err != nil {
		t.Fatal(err)
	}
	remotes, err = a.Remotes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(remotes) != 2 {
		t.Fatalf("Remotes() = %v, want two remotes", remotes)
	}
}
