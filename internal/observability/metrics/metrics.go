package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// TranscodeJobLabel identifies a transcode lifecycle event by rendition
// ladder and terminal status.
type TranscodeJobLabel struct {
	Ladder string
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// ingest throughput, transcode job lifecycle, and range serving. It
// coordinates concurrent writers via a RWMutex while exposing atomic
// gauges for active job tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	ingestAttempts   map[string]uint64
	ingestFailures   map[string]uint64
	ingestBytes      uint64
	rangeRequests    map[string]uint64
	dependencyValue  map[string]float64
	dependencyState  map[string]string
	transcodeEvents  map[TranscodeJobLabel]uint64
	activeTranscodes atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		ingestAttempts:  make(map[string]uint64),
		ingestFailures:  make(map[string]uint64),
		rangeRequests:   make(map[string]uint64),
		dependencyValue: make(map[string]float64),
		dependencyState: make(map[string]string),
		transcodeEvents: make(map[TranscodeJobLabel]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveIngestAttempt records an ingest attempt keyed by source kind
// ("stream" or "url").
func (r *Recorder) ObserveIngestAttempt(source string) {
	name := normalizeName(source)
	r.mu.Lock()
	r.ingestAttempts[name]++
	r.mu.Unlock()
}

// ObserveIngestFailure records a failed ingest keyed by source kind. The
// caller should also record the attempt separately.
func (r *Recorder) ObserveIngestFailure(source string) {
	name := normalizeName(source)
	r.mu.Lock()
	r.ingestFailures[name]++
	r.mu.Unlock()
}

// ObserveIngestBytes accumulates the payload size of a committed ingest.
func (r *Recorder) ObserveIngestBytes(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.ingestBytes += uint64(n)
	r.mu.Unlock()
}

// ObserveRangeRequest records a media serving outcome keyed by response
// class ("full", "partial", "not_satisfiable").
func (r *Recorder) ObserveRangeRequest(outcome string) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.rangeRequests[name]++
	r.mu.Unlock()
}

// TranscodeJobStarted records the start of a transcode job for the named
// rendition ladder and increments the active job gauge.
func (r *Recorder) TranscodeJobStarted(ladder string) {
	r.recordTranscodeEvent(ladder, "start")
	r.activeTranscodes.Add(1)
}

// TranscodeJobCompleted records a published transcode job and decrements
// the active job gauge.
func (r *Recorder) TranscodeJobCompleted(ladder string) {
	r.recordTranscodeEvent(ladder, "complete")
	r.decrementGauge(&r.activeTranscodes)
}

// TranscodeJobFailed records a failed transcode job and decrements the
// active job gauge without letting it go negative if the job never started.
func (r *Recorder) TranscodeJobFailed(ladder string) {
	r.recordTranscodeEvent(ladder, "fail")
	r.decrementGauge(&r.activeTranscodes)
}

func (r *Recorder) recordTranscodeEvent(ladder, status string) {
	label := TranscodeJobLabel{
		Ladder: normalizeName(ladder),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.transcodeEvents[label]++
	r.mu.Unlock()
}

// ActiveTranscodeJobs exposes the current number of running transcode jobs.
func (r *Recorder) ActiveTranscodeJobs() int64 {
	return r.activeTranscodes.Load()
}

// SetDependencyHealth normalizes dependency identifiers, maps status
// strings to numeric health values, and stores both representations.
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedService] = value
	r.dependencyState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// IngestCounts returns copies of ingest attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) IngestCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.ingestAttempts))
	for k, v := range r.ingestAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.ingestFailures))
	for k, v := range r.ingestFailures {
		failures[k] = v
	}
	return attempts, failures
}

// TranscodeJobCounts returns copies of transcode event counters and the
// current active job gauge value.
func (r *Recorder) TranscodeJobCounts() (events map[TranscodeJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[TranscodeJobLabel]uint64, len(r.transcodeEvents))
	for k, v := range r.transcodeEvents {
		events[k] = v
	}
	return events, r.activeTranscodes.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.ingestAttempts = make(map[string]uint64)
	r.ingestFailures = make(map[string]uint64)
	r.ingestBytes = 0
	r.rangeRequests = make(map[string]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.transcodeEvents = make(map[TranscodeJobLabel]uint64)
	r.activeTranscodes.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	ingestSources := r.sortedIngestSources()
	rangeOutcomes := r.sortedRangeOutcomes()
	dependencies := r.sortedDependencies()
	transcodeEvents := r.sortedTranscodeJobLabels()

	fmt.Fprintln(w, "# HELP driftstream_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE driftstream_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "driftstream_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP driftstream_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE driftstream_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "driftstream_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP driftstream_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE driftstream_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "driftstream_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP driftstream_ingest_attempts_total Total ingest operations attempted by source")
	fmt.Fprintln(w, "# TYPE driftstream_ingest_attempts_total counter")
	for _, source := range ingestSources {
		count := r.ingestAttempts[source]
		fmt.Fprintf(w, "driftstream_ingest_attempts_total{source=\"%s\"} %d\n", source, count)
	}

	fmt.Fprintln(w, "# HELP driftstream_ingest_failures_total Total ingest failures by source")
	fmt.Fprintln(w, "# TYPE driftstream_ingest_failures_total counter")
	for _, source := range ingestSources {
		count := r.ingestFailures[source]
		fmt.Fprintf(w, "driftstream_ingest_failures_total{source=\"%s\"} %d\n", source, count)
	}

	fmt.Fprintln(w, "# HELP driftstream_ingest_bytes_total Total payload bytes committed to the asset store")
	fmt.Fprintln(w, "# TYPE driftstream_ingest_bytes_total counter")
	fmt.Fprintf(w, "driftstream_ingest_bytes_total %d\n", r.ingestBytes)

	fmt.Fprintln(w, "# HELP driftstream_media_requests_total Media serving outcomes by response class")
	fmt.Fprintln(w, "# TYPE driftstream_media_requests_total counter")
	for _, outcome := range rangeOutcomes {
		count := r.rangeRequests[outcome]
		fmt.Fprintf(w, "driftstream_media_requests_total{outcome=\"%s\"} %d\n", outcome, count)
	}

	fmt.Fprintln(w, "# HELP driftstream_dependency_health Health reported by service dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE driftstream_dependency_health gauge")
	for _, service := range dependencies {
		value := r.dependencyValue[service]
		status := r.dependencyState[service]
		fmt.Fprintf(w, "driftstream_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, status, value)
	}

	fmt.Fprintln(w, "# HELP driftstream_transcode_jobs_total Transcode job events by ladder and status")
	fmt.Fprintln(w, "# TYPE driftstream_transcode_jobs_total counter")
	for _, label := range transcodeEvents {
		count := r.transcodeEvents[label]
		fmt.Fprintf(w, "driftstream_transcode_jobs_total{ladder=\"%s\",status=\"%s\"} %d\n", label.Ladder, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP driftstream_transcode_active_jobs Current number of running transcode jobs")
	fmt.Fprintln(w, "# TYPE driftstream_transcode_active_jobs gauge")
	fmt.Fprintf(w, "driftstream_transcode_active_jobs %d\n", r.activeTranscodes.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedIngestSources() []string {
	seen := make(map[string]struct{}, len(r.ingestAttempts)+len(r.ingestFailures))
	for source := range r.ingestAttempts {
		seen[source] = struct{}{}
	}
	for source := range r.ingestFailures {
		seen[source] = struct{}{}
	}
	sources := make([]string, 0, len(seen))
	for source := range seen {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}

func (r *Recorder) sortedRangeOutcomes() []string {
	outcomes := make([]string, 0, len(r.rangeRequests))
	for outcome := range r.rangeRequests {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	return outcomes
}

func (r *Recorder) sortedDependencies() []string {
	services := make([]string, 0, len(r.dependencyValue))
	for service := range r.dependencyValue {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

func (r *Recorder) sortedTranscodeJobLabels() []TranscodeJobLabel {
	labels := make([]TranscodeJobLabel, 0, len(r.transcodeEvents))
	for label := range r.transcodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Ladder != labels[j].Ladder {
			return labels[i].Ladder < labels[j].Ladder
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveIngestAttempt records an ingest attempt on the default recorder.
func ObserveIngestAttempt(source string) {
	defaultRecorder.ObserveIngestAttempt(source)
}

// ObserveIngestFailure records an ingest failure on the default recorder.
func ObserveIngestFailure(source string) {
	defaultRecorder.ObserveIngestFailure(source)
}

// SetDependencyHealth updates dependency health on the default recorder.
func SetDependencyHealth(service, status string) {
	defaultRecorder.SetDependencyHealth(service, status)
}

// TranscodeJobStarted records the start of a transcode job on the default recorder.
func TranscodeJobStarted(ladder string) {
	defaultRecorder.TranscodeJobStarted(ladder)
}

// TranscodeJobCompleted records a published transcode job on the default recorder.
func TranscodeJobCompleted(ladder string) {
	defaultRecorder.TranscodeJobCompleted(ladder)
}

// TranscodeJobFailed records a failed transcode job on the default recorder.
func TranscodeJobFailed(ladder string) {
	defaultRecorder.TranscodeJobFailed(ladder)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
