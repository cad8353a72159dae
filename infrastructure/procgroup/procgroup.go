// Package procgroup manages OS process groups so a locally spawned child
// (an SSH tunnel, most notably) and everything it forks can be torn down as
// one unit: SIGTERM, wait for a grace period, SIGKILL, then verify the group
// actually exited. Grounded on
// original_source/crates/basilica-validator/src/process_group.rs, carrying
// over its escalation sequence and its "already gone is success" treatment
// of ESRCH.
package procgroup

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Configure places cmd in a new process group (as its group leader), so
// killing the group later does not also kill the calling process. Must be
// called before cmd.Start.
func Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pgid = 0
}

// Signal sends sig to every process in the group led by pgid. A group that
// no longer exists (ESRCH) is treated as already terminated, not an error.
func Signal(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("signal process group %d: %w", pgid, err)
}

// Alive reports whether any process in the group led by pgid still exists.
func Alive(pgid int) bool {
	return syscall.Kill(-pgid, 0) == nil
}

// Terminate runs the SIGTERM -> grace -> SIGKILL -> verify escalation
// against the group led by pgid. It returns an error only if the group is
// still alive after SIGKILL.
func Terminate(pgid int, grace time.Duration) error {
	if err := Signal(pgid, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pgid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if !Alive(pgid) {
		return nil
	}

	if err := Signal(pgid, syscall.SIGKILL); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if Alive(pgid) {
		return fmt.Errorf("process group %d still alive after SIGKILL", pgid)
	}
	return nil
}
