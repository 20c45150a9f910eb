//go:build !unix

package process

import "os/exec"

func configureCommand(*exec.Cmd) {}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCode(err *exec.ExitError) int { return err.ExitCode() }
