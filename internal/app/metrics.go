package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatshare_payment_charges_total",
			Help: "Gateway charge attempts by outcome",
		},
		[]string{"outcome"},
	)

	releasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatshare_payment_releases_total",
			Help: "Payments liberated to hosts by trigger",
		},
		[]string{"trigger"},
	)

	refundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatshare_payment_refunds_total",
			Help: "Refund attempts by outcome",
		},
		[]string{"outcome"},
	)

	refundedCentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatshare_payment_refunded_minor_units_total",
			Help: "Sum of settled refund amounts in minor currency units",
		},
	)

	disputesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatshare_disputes_total",
			Help: "Dispute lifecycle events",
		},
		[]string{"event"},
	)

	joinRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatshare_join_requests_total",
			Help: "Join request transitions by kind and resulting state",
		},
		[]string{"kind", "state"},
	)

	seatEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatshare_seat_events_total",
			Help: "Seat occupancy changes",
		},
		[]string{"event"},
	)
)
