package activation

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fly-io/nixless-agent/pkg/errors"
)

// formatIntent renders the switch-intent journal record as three
// tab-separated fields: new version, new system package id, start time as a
// Unix timestamp.
func formatIntent(intent Intent) string {
	return fmt.Sprintf("%d\t%s\t%d\n", intent.Version, intent.SystemPackageID, intent.StartedAt.Unix())
}

func parseIntent(data []byte) (Intent, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return Intent{}, fmt.Errorf("activation: switch-intent journal is empty")
	}
	fields := strings.Split(scanner.Text(), "\t")
	if len(fields) != 3 {
		return Intent{}, fmt.Errorf("activation: switch-intent journal has %d fields, want 3", len(fields))
	}

	version, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Intent{}, fmt.Errorf("activation: switch-intent journal has malformed version: %w", err)
	}
	startedAtUnix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Intent{}, fmt.Errorf("activation: switch-intent journal has malformed start time: %w", err)
	}

	return Intent{
		Version:         version,
		SystemPackageID: fields[1],
		StartedAt:       time.Unix(startedAtUnix, 0),
	}, nil
}

// parseActivationResult parses the literal "ok" or "fail:<reason>" content
// of the activation-result witness file.
func parseActivationResult(data []byte) (Result, error) {
	text := strings.TrimSpace(string(data))
	if text == "ok" {
		return Result{OK: true}, nil
	}
	if reason, ok := strings.CutPrefix(text, "fail:"); ok {
		return Result{OK: false, Reason: reason}, nil
	}
	return Result{}, errors.Kinded(errors.KindMalformed, fmt.Errorf("activation: activation-result has unrecognized content %q", text))
}
