package shell

import (
	"fmt"
	"strings"

	"github.com/quillshell/quill/internal/tool"
)

// defaultDenylist blocks commands that can take down or escape the host.
// The agent runs with the invoking user's privileges, so this is a guard
// rail, not a sandbox.
var defaultDenylist = []string{
	"sudo",
	"su",
	"chroot",
	"mount",
	"umount",
	"dd",
	"fdisk",
	"mkfs",
	"rm -rf /",
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
}

// checkCommand rejects empty and denylisted command lines before anything is
// spawned.
func checkCommand(command string, denylist []string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("command must not be empty")
	}
	if len(denylist) == 0 {
		denylist = defaultDenylist
	}
	for _, blocked := range denylist {
		if blocked == "" {
			continue
		}
		if strings.Contains(trimmed, blocked) {
			return fmt.Errorf("%w: command contains blocked operation %q", tool.ErrAccessDenied, blocked)
		}
	}
	return nil
}
