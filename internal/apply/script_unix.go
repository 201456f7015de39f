//go:build !windows

package apply

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/hopkinslab/appsyncd/internal/plan"
)

func scriptFileName(cycleID string) string {
	return "apply-" + cycleID + ".sh"
}

// renderScript produces a self-contained POSIX shell script encoding one
// remove-then-move operation per manifest entry. The leading sleep outlasts
// the host's grace interval so the script never mutates anything before the
// host process has exited.
func renderScript(manifest plan.Manifest, grace time.Duration) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "sleep %d\n", scriptDelaySeconds(grace))
	for _, entry := range manifest {
		fmt.Fprintf(&b, "rm -f %s\n", posixQuote(entry.Target))
		fmt.Fprintf(&b, "mv %s %s\n", posixQuote(entry.Source), posixQuote(entry.Target))
	}
	b.WriteString("exit 0\n")
	return b.String()
}

// launchDetached starts the script in its own session so it survives the
// host process's exit.
func launchDetached(scriptPath string) error {
	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// posixQuote wraps s in single quotes, escaping any embedded single quotes.
func posixQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
