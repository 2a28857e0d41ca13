// Package metrics exposes Prometheus metrics for the local order book and
// the order lifecycle commands.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrdersPublished counts orders accepted by the book, by kind.
var OrdersPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "book_orders_published_total",
	Help:      "Total orders published to the book.",
}, []string{"kind"})

// OrdersUnpublished counts orders withdrawn from the book, by kind.
var OrdersUnpublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "book_orders_unpublished_total",
	Help:      "Total orders unpublished from the book.",
}, []string{"kind"})

// DealsRecorded counts deals stored by the book.
var DealsRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "book_deals_total",
	Help:      "Total deals recorded by the book.",
})

// ChallengesIssued counts authentication challenges.
var ChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "book_challenges_total",
	Help:      "Total authentication challenges issued.",
})

// RequestErrors counts API errors by status code class.
var RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "book_request_errors_total",
	Help:      "Total API requests answered with an error.",
}, []string{"status"})

// CommandResults counts lifecycle command outcomes per kind.
var CommandResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "command_results_total",
	Help:      "Lifecycle command results per order kind.",
}, []string{"command", "kind", "result"})
