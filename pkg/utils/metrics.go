package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "credit_active_clients",
		Help: "Clients currently tracked on this node",
	}, []string{"type"})

	ActiveCalls = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "credit_active_calls",
		Help: "Calls currently linked to a tracked client",
	}, []string{"type"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credit_sweep_duration_seconds",
		Help:    "Time spent in one billing sweep pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	TerminatedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_terminated_calls_total",
		Help: "Calls torn down by credit control",
	}, []string{"reason"})

	AdmissionRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_admission_rejects_total",
		Help: "Call attempts refused by credit control",
	}, []string{"reason"})

	KillNotices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_kill_notices_total",
		Help: "Kill list notices published or received",
	}, []string{"direction"})

	ReplicationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_replication_errors_total",
		Help: "Failed shared store operations",
	}, []string{"op"})

	SipRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sip_requests_total",
		Help: "The total number of SIP requests processed",
	}, []string{"method"})

	FirewallBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admin_firewall_blocks_total",
		Help: "Admin API requests refused from blocked addresses",
	})
)
