//go:build prometheus

// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farsign_rpc_total_requests",
			Help: "Number of RPC requests handled, by method",
		},
		[]string{"method"},
	)
	rpcFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farsign_rpc_total_failures",
			Help: "Number of failed RPC requests, by error category",
		},
		[]string{"category"},
	)
	repliesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farsign_rpc_replies_sent_total",
			Help: "Number of RPC replies published",
		},
	)
	eventsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farsign_relay_events_received_total",
			Help: "Number of events delivered by relay subscriptions",
		},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farsign_relay_events_dropped_total",
			Help: "Number of delivered events dropped before dispatch",
		},
	)
	staleReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farsign_client_stale_replies_total",
			Help: "Number of replies skipped for carrying an unknown request id",
		},
	)
	publishes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farsign_relay_publishes_total",
			Help: "Number of events published to relays",
		},
	)
	publishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farsign_relay_failed_publishes_total",
			Help: "Number of publishes rejected by every relay",
		},
	)
	relayReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farsign_relay_reconnects_total",
			Help: "Number of relay reconnection attempts",
		},
	)
	pendingRequests = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "farsign_client_pending_requests",
			Help: "Number of requests awaiting replies",
		},
	)
	requestDuration = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "farsign_rpc_request_duration_seconds",
			Help: "Round trip time of RPC requests, by method",
		},
		[]string{"method"},
	)
)

// Init registers the metrics and exposes them over HTTP.
func Init(addr string) {
	prometheus.MustRegister(rpcRequests)
	prometheus.MustRegister(rpcFailures)
	prometheus.MustRegister(repliesSent)
	prometheus.MustRegister(eventsReceived)
	prometheus.MustRegister(eventsDropped)
	prometheus.MustRegister(staleReplies)
	prometheus.MustRegister(publishes)
	prometheus.MustRegister(publishFailures)
	prometheus.MustRegister(relayReconnects)
	prometheus.MustRegister(pendingRequests)
	prometheus.MustRegister(requestDuration)

	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

func RPCRequest(method string) {
	rpcRequests.With(prometheus.Labels{"method": method}).Inc()
}

func RPCFailure(category string) {
	rpcFailures.With(prometheus.Labels{"category": category}).Inc()
}

func ReplySent() {
	repliesSent.Inc()
}

func EventReceived() {
	eventsReceived.Inc()
}

func EventDropped() {
	eventsDropped.Inc()
}

func StaleReply() {
	staleReplies.Inc()
}

func Publish() {
	publishes.Inc()
}

func PublishFailed() {
	publishFailures.Inc()
}

func RelayReconnect() {
	relayReconnects.Inc()
}

func PendingRequests(n int) {
	pendingRequests.Observe(float64(n))
}

func RequestDuration(method string, d time.Duration) {
	requestDuration.With(prometheus.Labels{"method": method}).Observe(d.Seconds())
}
