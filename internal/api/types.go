package api

// OKPrefix and ErrorPrefix start the single result line a minion prints for
// every command. The master parses each host's output independently.
const (
	OKPrefix    = "OK "
	ErrorPrefix = "ERROR "
)

// VersionChange is the before/after version of a package present in both
// inventory snapshots.
type VersionChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// JobResult is the outcome of a deployment or rollback on one host.
// It is persisted per job at <state_dir>/<jobid>.job so that a later
// rollback can compute the inverse operation.
type JobResult struct {
	JobID     string                   `json:"jobid"`
	Source    string                   `json:"source,omitempty"`
	Additions []string                 `json:"additions"`
	Removals  []string                 `json:"removals"`
	Updated   map[string]VersionChange `json:"updated"`

	// Restart holds programs that need a restart because of this job only;
	// PendingRestart is the full set after the job, including restarts that
	// were already pending before it ran.
	Restart        []string `json:"restart"`
	PendingRestart []string `json:"pending_restart,omitempty"`

	AptLog    string `json:"aptlog"`
	AptErrLog string `json:"apterrlog"`
	AptReturn int    `json:"aptreturn"`

	// NotApplicable is set when the update has no fixed version for the
	// host's distribution or none of its binary packages are installed.
	NotApplicable string `json:"not_applicable,omitempty"`
}

// RestartReport answers a restart query on one host.
type RestartReport struct {
	Programs []string `json:"programs"`
	Packages []string `json:"packages"`
}

// ServiceRestartResult codes, per program or restart handler.
const (
	RestartOK         = 0
	RestartFailed     = 1
	RestartNotRunning = 2
	RestartNoHandler  = 3
)

// ServiceRestartResult maps a program (or "restarthandler.NAME") to one of
// the Restart* codes.
type ServiceRestartResult map[string]int

// InstalledPackages is the minion's list-pkgs payload: name → version.
type InstalledPackages map[string]string
