package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flo-mic/debdeploy/internal/api"
)

// ErrUnknownJob is returned for a job without a record on this host.
var ErrUnknownJob = errors.New("no record of this job on this host")

// JobStore keeps one JSON record per deployment at <Dir>/<jobid>.job so
// that a later rollback can compute the inverse operation.
type JobStore struct {
	Dir string
}

func (s JobStore) path(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", fmt.Errorf("invalid job ID %q", jobID)
	}
	return filepath.Join(s.Dir, jobID+".job"), nil
}

// Save persists r under r.JobID, replacing any earlier record.
func (s JobStore) Save(r *api.JobResult) error {
	path, err := s.path(r.JobID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load returns the record of jobID.
func (s JobStore) Load(jobID string) (*api.JobResult, error) {
	path, err := s.path(jobID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return nil, err
	}
	var r api.JobResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing job record %s: %w", path, err)
	}
	return &r, nil
}
