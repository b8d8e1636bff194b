package schemas

import (
	"net"
	"time"
)

// -- Severity --

// Severity classifies how serious an exposed endpoint is. Values are lowercase
// so they can be stored and compared directly as TEXT in the database.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank maps a severity to a numeric value for ordering. Unknown severities
// rank below info so malformed data sorts last instead of first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Valid reports whether s is one of the recognized severity levels.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// -- Scan work units --

// WorkItem is the atomic unit of scanning: one rule applied to one target.
type WorkItem struct {
	Target   string `json:"target"`
	RuleName string `json:"rule_name"`
}

// Chunk is a bounded batch of WorkItems leased atomically to a single worker.
// The lease token changes on every grant, so a late result from a stale lease
// can be told apart from the current one.
type Chunk struct {
	ID          string     `json:"id"`
	LeaseToken  string     `json:"lease_token,omitempty"`
	LeaseExpiry time.Time  `json:"lease_expiry"`
	Items       []WorkItem `json:"items"`
}

// -- DNS --

// DNSOutcome is the terminal state of a resolution attempt. Negative outcomes
// are cached too, with a shorter TTL, so unreachable hosts do not trigger a
// fresh lookup for every WorkItem that references them.
type DNSOutcome string

const (
	DNSOk       DNSOutcome = "ok"
	DNSNXDomain DNSOutcome = "nxdomain"
	DNSTimeout  DNSOutcome = "timeout"
	DNSError    DNSOutcome = "error"
)

// DNSRecord is a cached resolution result for one hostname.
type DNSRecord struct {
	Hostname   string        `json:"hostname"`
	Addresses  []string      `json:"addresses,omitempty"`
	Outcome    DNSOutcome    `json:"outcome"`
	ResolvedAt time.Time     `json:"resolved_at"`
	TTL        time.Duration `json:"ttl"`
}

// Usable reports whether the record can still be served at the given instant.
// Expired records are treated as absent; they are shadowed by the next
// resolution rather than evicted.
func (r DNSRecord) Usable(now time.Time) bool {
	return now.Before(r.ResolvedAt.Add(r.TTL))
}

// Resolved reports whether the record carries at least one address.
func (r DNSRecord) Resolved() bool {
	return r.Outcome == DNSOk && len(r.Addresses) > 0
}

// FirstAddr returns the first resolved address, or nil for negative outcomes.
func (r DNSRecord) FirstAddr() net.IP {
	if len(r.Addresses) == 0 {
		return nil
	}
	return net.ParseIP(r.Addresses[0])
}

// -- Probe results --

// ProbeErrorKind tags why a WorkItem completed without a usable HTTP response.
type ProbeErrorKind string

const (
	// ProbeErrNone marks a WorkItem that produced an HTTP response.
	ProbeErrNone ProbeErrorKind = ""
	// ProbeErrDNS means the target never resolved; all of its WorkItems are
	// short-circuited without spending HTTP budget.
	ProbeErrDNS ProbeErrorKind = "dns_failure"
	// ProbeErrFailed means the HTTP request failed after the retry budget.
	ProbeErrFailed ProbeErrorKind = "probe_failed"
)

// ProbeResult is produced exactly once per completed WorkItem, including
// terminally failed ones.
type ProbeResult struct {
	Target     string         `json:"target"`
	RuleName   string         `json:"rule_name"`
	Matched    bool           `json:"matched"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Elapsed    time.Duration  `json:"elapsed"`
	Error      ProbeErrorKind `json:"error,omitempty"`

	// Evidence is a short excerpt of the response around the signature match,
	// only populated when Matched is true.
	Evidence string   `json:"evidence,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	// MatchedPath is the rule path that was probed.
	MatchedPath string `json:"matched_path,omitempty"`
}

// -- Findings --

// Finding is a persisted, deduplicated positive match of a rule against a
// target. At most one exists per (Target, RuleName) pair.
type Finding struct {
	Target      string    `json:"target"`
	RuleName    string    `json:"rule_name"`
	Severity    Severity  `json:"severity"`
	MatchedPath string    `json:"matched_path"`
	Evidence    string    `json:"evidence,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// -- Worker liveness --

// WorkerState is the master's view of a worker's liveness.
type WorkerState string

const (
	WorkerRegistered WorkerState = "registered"
	WorkerActive     WorkerState = "active"
	WorkerSuspected  WorkerState = "suspected"
	WorkerDead       WorkerState = "dead"
)

// ScanSummary is reported to the operator when a scan run completes.
type ScanSummary struct {
	Targets      int                    `json:"targets"`
	Probes       int                    `json:"probes"`
	ProbesOK     int                    `json:"probes_ok"`
	ProbesFailed map[ProbeErrorKind]int `json:"probes_failed"`
	Findings     map[Severity]int       `json:"findings"`
	DeadWorkers  int                    `json:"dead_workers"`
	Elapsed      time.Duration          `json:"elapsed"`
}
