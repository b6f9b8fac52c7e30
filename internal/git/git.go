// Package git shells out to the git CLI for the small set of workspace
// operations the bot exposes: inspecting state, switching branches, and
// stashing work in progress before an agent takes over a checkout.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Status is a point-in-time summary of a working directory.
type Status struct {
	IsRepo        bool
	CurrentBranch string
	HasStaged     bool
	HasUnstaged   bool
	Branches      []string
}

// CheckoutOptions tune Checkout behavior.
type CheckoutOptions struct {
	// Stash saves uncommitted changes (including untracked files) before
	// switching.
	Stash bool

	// Force discards local modifications that would block the switch.
	Force bool
}

// run executes git in dir and returns trimmed stdout. Failures carry the
// subcommand and stderr.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// GetStatus inspects dir. A non-repository directory yields IsRepo false
// and no error.
func GetStatus(ctx context.Context, dir string) (Status, error) {
	if _, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree"); err != nil {
		return Status{}, nil
	}

	st := Status{IsRepo: true}

	branch, err := run(ctx, dir, "branch", "--show-current")
	if err != nil {
		return st, err
	}
	st.CurrentBranch = branch

	porcelain, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return st, err
	}
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 2 {
			continue
		}
		if line[0] != ' ' && line[0] != '?' {
			st.HasStaged = true
		}
		if line[1] != ' ' {
			st.HasUnstaged = true
		}
	}

	st.Branches, err = listBranches(ctx, dir)
	return st, err
}

// listBranches returns local branch names plus remote ones with their
// origin/ prefix stripped, deduplicated, HEAD pointers excluded.
func listBranches(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "branch", "-a", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var branches []string
	for _, name := range strings.Split(out, "\n") {
		name = strings.TrimSpace(name)
		name = strings.TrimPrefix(name, "origin/")
		if name == "" || name == "HEAD" || strings.Contains(name, "HEAD ->") || seen[name] {
			continue
		}
		seen[name] = true
		branches = append(branches, name)
	}
	return branches, nil
}

// CreateBranch creates and switches to a new branch.
func CreateBranch(ctx context.Context, dir, name string) error {
	_, err := run(ctx, dir, "checkout", "-b", name)
	return err
}

// Checkout switches to an existing branch, optionally stashing or
// discarding local changes first.
func Checkout(ctx context.Context, dir, branch string, opts CheckoutOptions) error {
	if opts.Stash {
		if err := StashPush(ctx, dir, "auto-stash before checkout "+branch); err != nil {
			return err
		}
	}

	args := []string{"checkout"}
	if opts.Force {
		args = append(args, "--force")
	}
	args = append(args, branch)
	_, err := run(ctx, dir, args...)
	return err
}

// StashPush saves uncommitted changes, untracked files included. A clean
// tree is not an error.
func StashPush(ctx context.Context, dir, message string) error {
	_, err := run(ctx, dir, "stash", "push", "--include-untracked", "-m", message)
	return err
}

// StashPop restores the most recent stash entry.
func StashPop(ctx context.Context, dir string) error {
	_, err := run(ctx, dir, "stash", "pop")
	return err
}
