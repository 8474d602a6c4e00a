// Package metrics holds the node's prometheus counters. Each Metrics owns its
// registry so several nodes can live in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "p2pbook"

type Metrics struct {
	Registry *prometheus.Registry

	OrdersAdmitted    prometheus.Counter
	OrdersRejected    prometheus.Counter
	MirrorsApplied    prometheus.Counter
	ClosuresApplied   prometheus.Counter
	SelfDropped       prometheus.Counter
	MatchesFound      prometheus.Counter
	MatchesDone       prometheus.Counter
	MatchesAborted    prometheus.Counter
	MatchesPartial    prometheus.Counter
	LocksGranted      prometheus.Counter
	LockConflicts     prometheus.Counter
	LocksExpired      prometheus.Counter
	Rollbacks         prometheus.Counter
	BroadcastFailures *prometheus.CounterVec
}

func New(node string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node": node}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		Registry:        reg,
		OrdersAdmitted:  counter("orders_admitted_total", "Client orders admitted by this node."),
		OrdersRejected:  counter("orders_rejected_total", "Client orders rejected by validation."),
		MirrorsApplied:  counter("mirrors_applied_total", "Replicated peer orders added to the local mirror."),
		ClosuresApplied: counter("closures_applied_total", "Closure notices that closed a mirrored order."),
		SelfDropped:     counter("self_messages_dropped_total", "Inbound messages dropped because this node sent them."),
		MatchesFound:    counter("matches_found_total", "Match sets handed to the lock coordinator."),
		MatchesDone:     counter("matches_done_total", "Match attempts that executed every counter-order."),
		MatchesAborted:  counter("matches_aborted_total", "Match attempts rolled back."),
		MatchesPartial:  counter("matches_partial_total", "Match attempts where only some counter-orders executed."),
		LocksGranted:    counter("locks_granted_total", "Locks granted on owned orders."),
		LockConflicts:   counter("lock_conflicts_total", "Lock requests refused because another requester holds the lock."),
		LocksExpired:    counter("locks_expired_total", "Stale locks reverted by the expiry reaper."),
		Rollbacks:       counter("rollbacks_total", "Unlock requests sent while rolling back an attempt."),
		BroadcastFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_failures_total",
			Help: "Broadcasts the transport refused.", ConstLabels: labels,
		}, []string{"type"}),
	}
	reg.MustRegister(m.BroadcastFailures)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
