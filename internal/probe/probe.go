// Package probe verifies that the Claude Code CLI is usable before the
// service starts taking traffic: present on PATH, reporting a version,
// and authenticated.
package probe

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	versionTimeout = 10 * time.Second
	authTimeout    = 60 * time.Second
)

// Status is the outcome of a full CLI check.
type Status struct {
	Installed     bool
	Path          string
	Version       string
	Authenticated bool
	Err           string
}

// QuickCheck locates the binary without running it: PATH first, then the
// well-known install locations the CLI's own installer uses.
func QuickCheck(binary string) (string, bool) {
	if binary == "" {
		binary = "claude"
	}
	if path, err := exec.LookPath(binary); err == nil {
		return path, true
	}
	if filepath.IsAbs(binary) {
		return "", false
	}

	home, _ := os.UserHomeDir()
	for _, dir := range []string{
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, ".claude", "local"),
		"/usr/local/bin",
		"/opt/homebrew/bin",
	} {
		candidate := filepath.Join(dir, binary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// Check runs the full probe: locate the binary, ask its version, and
// verify authentication with a minimal invocation. Each failure is
// recorded in Status rather than returned; the caller decides whether a
// degraded result is fatal.
func Check(ctx context.Context, binary string) Status {
	if binary == "" {
		binary = "claude"
	}

	var st Status
	path, ok := QuickCheck(binary)
	if !ok {
		st.Err = binary + " not found on PATH"
		return st
	}
	st.Installed = true
	st.Path = path

	version, err := readVersion(ctx, binary)
	if err != nil {
		st.Err = "version check failed: " + err.Error()
		return st
	}
	st.Version = version

	if err := CheckAuth(ctx, binary); err != nil {
		st.Err = "auth check failed: " + err.Error()
		return st
	}
	st.Authenticated = true
	return st
}

func readVersion(ctx context.Context, binary string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CheckAuth runs a minimal prompt and inspects the output for the CLI's
// login-required messaging. A slow-but-successful response counts as
// authenticated.
func CheckAuth(ctx context.Context, binary string) error {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, "--print", "--model", "haiku", "Reply with exactly: ok")
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	out := strings.ToLower(combined.String())
	if strings.Contains(out, "not logged in") || strings.Contains(out, "please run /login") || strings.Contains(out, "invalid api key") {
		return &AuthError{Output: strings.TrimSpace(combined.String())}
	}
	return err
}

// AuthError indicates the CLI is installed but not authenticated.
type AuthError struct {
	Output string
}

func (e *AuthError) Error() string {
	return "claude is not authenticated: " + e.Output
}
