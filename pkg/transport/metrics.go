/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/tmpmemstore/pkg/audit"
)

const (
	metricsNamespace = "tmpmemstore"
	metricsSubsystem = "channel"
)

type metrics struct {
	accepted     prometheus.Counter
	acceptErrors prometheus.Counter
	outcomes     *prometheus.CounterVec
	bytesServed  prometheus.Counter
	inFlight     prometheus.Gauge
	auditDropped prometheus.CounterFunc
}

func newMetrics(reg prometheus.Registerer, trail *audit.Trail) (*metrics, error) {
	m := &metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted on the secret channel.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "accept_errors_total",
			Help:      "Failed accept calls.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_total",
			Help:      "Finished connections by outcome.",
		}, []string{"outcome"}),
		bytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "bytes_served_total",
			Help:      "Secret bytes written to authenticated peers.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_in_flight",
			Help:      "Connections accepted and not yet closed.",
		}),
		auditDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the audit queue was full.",
		}, func() float64 { return float64(trail.Dropped()) }),
	}
	for _, o := range []audit.Outcome{
		audit.OutcomeServed,
		audit.OutcomeRejected,
		audit.OutcomeIdentityFailed,
		audit.OutcomeEnumerationFailed,
		audit.OutcomeWriteFailed,
		audit.OutcomeConsumed,
		audit.OutcomeOverloaded,
	} {
		m.outcomes.WithLabelValues(string(o))
	}
	if reg == nil {
		return m, nil
	}
	collectors := []prometheus.Collector{m.accepted, m.acceptErrors, m.outcomes, m.bytesServed, m.inFlight, m.auditDropped}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range collectors[:i] {
				reg.Unregister(done)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) outcome(o audit.Outcome) {
	m.outcomes.WithLabelValues(string(o)).Inc()
}
