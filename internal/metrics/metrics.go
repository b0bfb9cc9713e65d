// Package metrics emits the operator's metric records as an append-only,
// line-delimited JSON stream on a host-provided path. Prometheus scraping
// infrastructure is explicitly out of scope; client_golang's CounterVec and
// GaugeVec types are used only as internal bookkeeping so increments and
// gauge sets behave the way Prometheus users already expect, with every
// mutation also flushed out as a JSON record line.
package metrics

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPrefix is used when METRICS_PREFIX is unset.
const DefaultPrefix = "cdktsstack_"

// Group names used by the gauge families. A sweep pre-expires its group
// before processing any resource, so a resource dropped from the sweep set
// simply stops receiving new records instead of leaving a stale value.
const (
	GroupDriftStatus   = "drift-status"
	GroupGitSyncStatus = "git-sync-status"
)

const labelNamespace = "namespace"
const labelResourceName = "resource_name"
const labelAWSRegion = "aws_region"
const labelStackName = "stack_name"

var labelNames = []string{labelNamespace, labelResourceName, labelAWSRegion, labelStackName}

// Labels identifies the resource a metric record is about.
type Labels struct {
	Namespace    string
	ResourceName string
	AWSRegion    string
	StackName    string
}

func (l Labels) values() []string {
	return []string{l.Namespace, l.ResourceName, l.AWSRegion, l.StackName}
}

func (l Labels) json() map[string]string {
	return map[string]string{
		labelNamespace:    l.Namespace,
		labelResourceName: l.ResourceName,
		labelAWSRegion:    l.AWSRegion,
		labelStackName:    l.StackName,
	}
}

// record is one line of the output stream: a counter add, a gauge set, or a
// group expiry, per spec's Metric Records wire format.
type record struct {
	Name   string            `json:"name,omitempty"`
	Action string            `json:"action"`
	Value  *float64          `json:"value,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
	Group  string            `json:"group,omitempty"`
}

// Sink is the process-wide metric output stream. Its writes are mutex
// serialized, matching the append-only line-JSON contract: it is the only
// shared mutable state touched by concurrent reconciles.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string

	driftChecksTotalName        string
	driftsDetectedTotalName     string
	gitChangesDetectedTotalName string
	driftStatusName             string
	gitSyncPendingName          string

	driftChecksTotal        *prometheus.CounterVec
	driftsDetectedTotal     *prometheus.CounterVec
	gitChangesDetectedTotal *prometheus.CounterVec
	driftStatus             *prometheus.GaugeVec
	gitSyncPending          *prometheus.GaugeVec
}

// NewSink returns a Sink writing to w, naming its metrics with prefix
// (defaulting to DefaultPrefix when empty).
func NewSink(w io.Writer, prefix string) *Sink {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	driftChecksTotalName := prefix + "drift_checks_total"
	driftsDetectedTotalName := prefix + "drifts_detected_total"
	gitChangesDetectedTotalName := prefix + "git_changes_detected_total"
	driftStatusName := prefix + "drift_status"
	gitSyncPendingName := prefix + "git_sync_pending"

	return &Sink{
		w:      w,
		prefix: prefix,

		driftChecksTotalName:        driftChecksTotalName,
		driftsDetectedTotalName:     driftsDetectedTotalName,
		gitChangesDetectedTotalName: gitChangesDetectedTotalName,
		driftStatusName:             driftStatusName,
		gitSyncPendingName:          gitSyncPendingName,

		driftChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: driftChecksTotalName,
			Help: "Total number of drift checks performed",
		}, labelNames),
		driftsDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: driftsDetectedTotalName,
			Help: "Total number of drift checks that found divergence",
		}, labelNames),
		gitChangesDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: gitChangesDetectedTotalName,
			Help: "Total number of git-sync checks that found pending changes",
		}, labelNames),
		driftStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: driftStatusName,
			Help: "1 if the last drift check detected divergence, 0 otherwise",
		}, labelNames),
		gitSyncPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: gitSyncPendingName,
			Help: "1 if the deployed stack lags the latest git ref, 0 otherwise",
		}, labelNames),
	}
}

// IncDriftChecksTotal increments the drift-check counter for labels.
func (s *Sink) IncDriftChecksTotal(labels Labels) {
	s.incCounter(s.driftChecksTotal, s.driftChecksTotalName, labels)
}

// IncDriftsDetectedTotal increments the drift-detected counter for labels.
func (s *Sink) IncDriftsDetectedTotal(labels Labels) {
	s.incCounter(s.driftsDetectedTotal, s.driftsDetectedTotalName, labels)
}

// IncGitChangesDetectedTotal increments the git-changes-detected counter for labels.
func (s *Sink) IncGitChangesDetectedTotal(labels Labels) {
	s.incCounter(s.gitChangesDetectedTotal, s.gitChangesDetectedTotalName, labels)
}

// SetDriftStatus sets the drift-status gauge for labels, in GroupDriftStatus.
func (s *Sink) SetDriftStatus(labels Labels, drifted bool) {
	s.setGauge(s.driftStatus, s.driftStatusName, GroupDriftStatus, labels, boolToFloat(drifted))
}

// SetGitSyncPending sets the git-sync-pending gauge for labels, in GroupGitSyncStatus.
func (s *Sink) SetGitSyncPending(labels Labels, pending bool) {
	s.setGauge(s.gitSyncPending, s.gitSyncPendingName, GroupGitSyncStatus, labels, boolToFloat(pending))
}

// ExpireGroup resets every gauge family belonging to group and emits the
// `{group, action:"expire"}` record. Sweepers call this once, before
// iterating their resource list, so a resource that has been deleted since
// the last sweep stops appearing in the stream rather than leaving behind a
// stale last-known value.
func (s *Sink) ExpireGroup(group string) {
	switch group {
	case GroupDriftStatus:
		s.driftStatus.Reset()
	case GroupGitSyncStatus:
		s.gitSyncPending.Reset()
	}

	s.write(record{Action: "expire", Group: group})
}

func (s *Sink) incCounter(vec *prometheus.CounterVec, name string, labels Labels) {
	vec.WithLabelValues(labels.values()...).Inc()

	delta := 1.0
	s.write(record{Name: name, Action: "add", Value: &delta, Labels: labels.json()})
}

func (s *Sink) setGauge(vec *prometheus.GaugeVec, name, group string, labels Labels, value float64) {
	vec.WithLabelValues(labels.values()...).Set(value)

	s.write(record{Name: name, Action: "set", Value: &value, Labels: labels.json(), Group: group})
}

func (s *Sink) write(rec record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}

	line = append(line, '\n')
	_, _ = s.w.Write(line)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

