// Package fleet runs minion commands on many hosts and interprets their
// single-line results.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/flo-mic/debdeploy/internal/api"
)

// ErrMalformedOutput is returned for host output without a result line.
var ErrMalformedOutput = errors.New("minion output has no OK or ERROR line")

// HostResult is the outcome of running a command on one host. Err is set
// when the host could not be reached or the command could not be run.
type HostResult struct {
	Host   string
	Output string
	Err    error
}

// Executor runs command on every host. Per-host failures are reported in
// the results; the error is reserved for failures of the whole run.
type Executor interface {
	Execute(ctx context.Context, jobID string, command []string, hosts []string) ([]HostResult, error)
}

// NewJobID returns a fresh opaque job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// MinionError is an ERROR line reported by a minion.
type MinionError struct {
	Message string
}

func (e *MinionError) Error() string {
	return "minion: " + e.Message
}

// ParseOutput decodes the JSON payload of the last OK line in output into
// v. An ERROR line yields a *MinionError.
func ParseOutput(output string, v any) error {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		switch {
		case strings.HasPrefix(line, api.OKPrefix):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, api.OKPrefix)), v); err != nil {
				return fmt.Errorf("decoding minion result: %w", err)
			}
			return nil
		case strings.HasPrefix(line, api.ErrorPrefix):
			return &MinionError{Message: strings.TrimPrefix(line, api.ErrorPrefix)}
		}
	}
	return ErrMalformedOutput
}

// FormatOK renders v as a minion OK line.
func FormatOK(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return api.OKPrefix + string(data), nil
}

// FormatError renders err as a minion ERROR line.
func FormatError(err error) string {
	return api.ErrorPrefix + strings.ReplaceAll(err.Error(), "\n", " ")
}
