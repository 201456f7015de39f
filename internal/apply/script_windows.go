//go:build windows

package apply

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/hopkinslab/appsyncd/internal/plan"
)

// Not exported by the syscall package.
const detachedProcess = 0x00000008

func scriptFileName(cycleID string) string {
	return "apply-" + cycleID + ".cmd"
}

// renderScript produces a self-contained batch script encoding one
// remove-then-move operation per manifest entry. The leading timeout outlasts
// the host's grace interval so the script never mutates anything before the
// host process has exited.
func renderScript(manifest plan.Manifest, grace time.Duration) string {
	var b strings.Builder
	b.WriteString("@echo off\r\n")
	fmt.Fprintf(&b, "timeout /t %d /nobreak >nul\r\n", scriptDelaySeconds(grace))
	for _, entry := range manifest {
		fmt.Fprintf(&b, "if exist \"%s\" del /f /q \"%s\"\r\n", entry.Target, entry.Target)
		fmt.Fprintf(&b, "move /y \"%s\" \"%s\" >nul\r\n", entry.Source, entry.Target)
	}
	b.WriteString("exit /b 0\r\n")
	return b.String()
}

// launchDetached starts the script disassociated from the host's console and
// process group so it survives the host process's exit.
func launchDetached(scriptPath string) error {
	cmd := exec.Command("cmd.exe", "/C", scriptPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | detachedProcess,
		HideWindow:    true,
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
