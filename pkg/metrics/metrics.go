/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Common namespace for application metrics.
	Namespace = "dynalimit"

	// Common set of metric label names.
	ResultLabel    = "result"
	OperationLabel = "operation"
	ResourceLabel  = "resource"
	CacheLabel     = "cache"

	// Values for ResultLabel on admission decisions.
	ResultAdmitted    = "admitted"
	ResultDenied      = "denied"
	ResultError       = "error"
	ResultUnavailable = "unavailable"
)

// DurationBuckets returns a []float64 of default threshold values for duration
// histograms. Each returned slice is new and may be modified without impacting
// other bucket definitions.
func DurationBuckets() []float64 {
	return []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25,
		0.3, 0.4, 0.5, 0.75, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0}
}

var (
	AdmissionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Count of admission decisions by result.",
		},
		[]string{ResultLabel, ResourceLabel},
	)

	StorageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Duration of backing-store operations by operation and result.",
			Buckets:   DurationBuckets(),
		},
		[]string{OperationLabel, ResultLabel},
	)

	ConfigCacheCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "config_cache",
			Name:      "lookups_total",
			Help:      "Count of config cache lookups by result (hit or miss).",
		},
		[]string{ResultLabel},
	)
)

// Collectors returns every metric the rate limiter emits. Callers register
// them with their own prometheus registry; tests use a throwaway one.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		AdmissionCount,
		StorageDuration,
		ConfigCacheCount,
	}
}

func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(Collectors()...)
}
