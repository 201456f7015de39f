package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	// ErrNetwork indicates the remote could not be reached, the underlying
	// git process exited non-zero, or the operation timed out.
	ErrNetwork = errors.New("remote unreachable")

	// ErrInvalidResponse indicates the remote query succeeded but produced
	// no parsable output.
	ErrInvalidResponse = errors.New("invalid remote response")
)

// Client provides the remote git operations needed for self-update
type Client interface {
	// LsRemote returns the commit hash of ref on the remote repository
	// without cloning it. ref defaults to HEAD when empty.
	LsRemote(ctx context.Context, url, ref string) (string, error)

	// Snapshot materializes a shallow copy of the repository at ref into
	// destDir. destDir must not exist or be empty.
	Snapshot(ctx context.Context, url, ref, destDir string) error
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// LsRemote issues a reference-listing query and returns the first identifier.
func (c *ShellClient) LsRemote(ctx context.Context, url, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}

	cmd := exec.CommandContext(ctx, "git", "ls-remote", url, ref)
	if err := c.configureAuth(cmd, url); err != nil {
		return "", err
	}

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: git ls-remote: %v: %s", ErrNetwork, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%w: git ls-remote: %v", ErrNetwork, err)
	}

	// Output is one "<hash>\t<refname>" line per match; only the first
	// identifier is consumed.
	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: git ls-remote returned no refs for %q", ErrInvalidResponse, ref)
	}

	return fields[0], nil
}

// Snapshot performs a shallow single-branch clone of the repository into destDir.
func (c *ShellClient) Snapshot(ctx context.Context, url, ref, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	args := []string{"clone", "--depth", "1"}
	if ref != "" && ref != "HEAD" {
		args = append(args, "--branch", ref, "--single-branch")
	}
	args = append(args, url, destDir)

	cmd := exec.CommandContext(ctx, "git", args...)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}

	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("%w: git clone failed: %v", ErrNetwork, err)
	}

	return nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "APPSYNCD_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$APPSYNCD_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "ls-remote").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
