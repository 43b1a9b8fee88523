// nixless-activation-tracker is invoked by systemd as the ExecStopPost hook
// of the transient switch unit. It translates the SERVICE_RESULT, EXIT_CODE,
// and EXIT_STATUS environment variables systemd sets for ExecStopPost into
// the activation-result witness file nixless-agent polls for, alongside the
// systemd JobRemoved signal, to confirm a switch finished.
package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <state-base>\n", os.Args[0])
		os.Exit(1)
	}
	stateBase := os.Args[1]

	serviceResult := os.Getenv("SERVICE_RESULT")
	exitCode := os.Getenv("EXIT_CODE")
	exitStatus := os.Getenv("EXIT_STATUS")

	var content string
	if serviceResult == "success" {
		content = "ok\n"
	} else {
		content = fmt.Sprintf("fail:%s exit_code=%s exit_status=%s\n", serviceResult, exitCode, exitStatus)
	}

	resultPath := filepath.Join(stateBase, "activation-result")
	tmpPath := resultPath + ".tmp"

	if err := os.WriteFile(tmpPath, []byte(content), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write activation-result: %v\n", err)
		os.Exit(1)
	}
	if err := os.Rename(tmpPath, resultPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to install activation-result: %v\n", err)
		os.Exit(1)
	}

	if agentUser := os.Getenv("NIXLESS_AGENT_USER"); agentUser != "" {
		uid, gid, err := lookupUserGroupIDs(agentUser)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to look up user %q: %v\n", agentUser, err)
			os.Exit(1)
		}
		if err := os.Chown(resultPath, uid, gid); err != nil {
			fmt.Fprintf(os.Stderr, "failed to set owner of activation-result: %v\n", err)
			os.Exit(1)
		}
	}
}

func lookupUserGroupIDs(userName string) (int, int, error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return 0, 0, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing uid: %w", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing gid: %w", err)
	}
	return uid, gid, nil
}
