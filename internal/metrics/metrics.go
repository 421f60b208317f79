// Package metrics provides Prometheus instrumentation for the ChatMee
// client engine. It exposes counters for frame and send throughput, history
// load outcomes, and gauges for live presence and outstanding optimistic
// sends.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesTotal counts inbound frames, labeled by kind: "message",
	// "typing", "presence", "error", or "malformed".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmee_frames_total",
		Help: "Total number of inbound frames processed",
	}, []string{"kind"})

	// SendsTotal counts outbound message sends, labeled by outcome:
	// "sent" (published), "confirmed", "failed", or "rejected" (empty
	// content or disconnected).
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmee_sends_total",
		Help: "Total number of message sends by outcome",
	}, []string{"outcome"})

	// HistoryLoads counts room history loads, labeled by result: "hit"
	// (session cache), "miss" (fetched), or "error".
	HistoryLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmee_history_loads_total",
		Help: "Total number of room history loads by result",
	}, []string{"result"})

	// OnlineUsers tracks the current size of the online-user set.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatmee_online_users",
		Help: "Current number of users marked online",
	})

	// OptimisticOutstanding tracks optimistic messages awaiting server
	// confirmation across all rooms.
	OptimisticOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatmee_optimistic_outstanding",
		Help: "Optimistic messages not yet confirmed or failed",
	})

	// Reconnects counts connection establishments, labeled by trigger:
	// "login" or "manual".
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmee_connects_total",
		Help: "Total number of connection establishments by trigger",
	}, []string{"trigger"})
)

func init() {
	prometheus.MustRegister(
		FramesTotal,
		SendsTotal,
		HistoryLoads,
		OnlineUsers,
		OptimisticOutstanding,
		Reconnects,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
