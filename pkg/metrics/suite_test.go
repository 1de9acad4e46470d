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

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dynalimit/dynalimit/pkg/metrics"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics")
}

var _ = Describe("Metrics", func() {
	It("should register every collector against a fresh registry", func() {
		registry := prometheus.NewRegistry()
		metrics.MustRegister(registry)

		metrics.AdmissionCount.WithLabelValues(metrics.ResultAdmitted, "api").Inc()
		Expect(testutil.ToFloat64(metrics.AdmissionCount.WithLabelValues(metrics.ResultAdmitted, "api"))).To(BeNumerically(">=", 1))
	})

	It("should return fresh duration bucket slices", func() {
		a := metrics.DurationBuckets()
		b := metrics.DurationBuckets()
		a[0] = 42
		Expect(b[0]).ToNot(Equal(float64(42)))
	})
})
