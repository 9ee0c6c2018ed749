// prometheus.go - Prometheus metrics.
// Copyright (C) 2026  The dirauth developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument exports the authority's Prometheus metrics.
package instrument

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	parseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirauth_measurement_parse_errors_total",
			Help: "Number of rejected measurement file lines",
		},
		[]string{"file"},
	)
	votes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirauth_votes_total",
			Help: "Number of received votes by outcome",
		},
		[]string{"outcome"},
	)
	signatures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirauth_detached_signatures_total",
			Help: "Number of received detached signatures by outcome",
		},
		[]string{"outcome"},
	)
	consensus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirauth_consensus_total",
			Help: "Number of voting periods by outcome",
		},
		[]string{"outcome"},
	)
	phases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirauth_phases_total",
			Help: "Number of schedule phases fired",
		},
		[]string{"action"},
	)
	voteRelays = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirauth_vote_relays",
			Help: "Number of relays in the last vote",
		},
	)
	jobDuration = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "dirauth_job_duration_seconds",
			Help: "Duration of worker jobs",
		},
		[]string{"job"},
	)

	registerOnce sync.Once
)

// Init registers the metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(parseErrors)
		prometheus.MustRegister(votes)
		prometheus.MustRegister(signatures)
		prometheus.MustRegister(consensus)
		prometheus.MustRegister(phases)
		prometheus.MustRegister(voteRelays)
		prometheus.MustRegister(jobDuration)
	})
}

// StartPrometheusListener serves the registered metrics on addr.
func StartPrometheusListener(addr string) *http.Server {
	Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go srv.ListenAndServe()
	return srv
}

// ParseErrors adds n rejected lines of a measurement file.
func ParseErrors(file string, n int) {
	parseErrors.WithLabelValues(file).Add(float64(n))
}

// Vote counts a received vote.
func Vote(outcome string) {
	votes.WithLabelValues(outcome).Inc()
}

// DetachedSignature counts a received detached signature.
func DetachedSignature(outcome string) {
	signatures.WithLabelValues(outcome).Inc()
}

// Consensus counts the outcome of a voting period.
func Consensus(outcome string) {
	consensus.WithLabelValues(outcome).Inc()
}

// Phase counts a fired schedule phase.
func Phase(action string) {
	phases.WithLabelValues(action).Inc()
}

// VoteRelays records the number of relays in the last vote.
func VoteRelays(n int) {
	voteRelays.Set(float64(n))
}

// JobDuration observes how long a worker job took.
func JobDuration(job string, d time.Duration) {
	jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
