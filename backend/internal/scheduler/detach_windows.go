//go:build windows

package scheduler

import "os/exec"

// detach is a no-op on Windows; CREATE_NEW_PROCESS_GROUP semantics differ
// enough from Unix detaching that this spec treats Windows as best-effort.
func detach(cmd *exec.Cmd) {}
