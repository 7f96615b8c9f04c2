// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nylta_submissions_recorded_total",
			Help: "Total number of submissions persisted",
		},
		[]string{"service_type"},
	)

	AmountCharged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nylta_amount_charged_dollars_total",
			Help: "Total dollars authorized by checkout",
		},
		[]string{"kind"},
	)

	UpgradesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nylta_upgrades_applied_total",
			Help: "Total number of monitoring submissions upgraded to filing",
		},
	)

	CheckoutFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nylta_checkout_failures_total",
			Help: "Total number of failed checkouts by reason",
		},
		[]string{"kind", "reason"},
	)

	CheckoutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nylta_checkout_duration_seconds",
			Help:    "Duration of checkout from intent to completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	CRMSyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nylta_crm_sync_failures_total",
			Help: "Total number of CRM contact syncs that failed",
		},
	)

	PricingReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nylta_pricing_reloads_total",
			Help: "Total number of pricing table reloads by result",
		},
		[]string{"result"},
	)

	IntentsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nylta_intents_reconciled_total",
			Help: "Total number of intents finished or voided by the reconciler",
		},
		[]string{"outcome"},
	)
)
