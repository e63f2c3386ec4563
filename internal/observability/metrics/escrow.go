package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type transitionKey struct {
	operation string
	outcome   string
}

type escrowMetrics struct {
	mu          sync.Mutex
	transitions map[transitionKey]uint64
	reconciles  map[string]uint64
}

var escrowCollector = &escrowMetrics{
	transitions: make(map[transitionKey]uint64),
	reconciles:  make(map[string]uint64),
}

// ObserveTransition counts one escrow or factory operation by its outcome,
// which is "ok" or the error code that rejected it.
func ObserveTransition(operation, outcome string) {
	escrowCollector.mu.Lock()
	defer escrowCollector.mu.Unlock()
	escrowCollector.transitions[transitionKey{operation: operation, outcome: outcome}]++
}

// ObserveReconcile counts one reconciliation attempt.
func ObserveReconcile(outcome string) {
	escrowCollector.mu.Lock()
	defer escrowCollector.mu.Unlock()
	escrowCollector.reconciles[outcome]++
}

// Recorder adapts the package level counters to the observer interfaces the
// escrow host and factory accept.
type Recorder struct{}

// ObserveTransition implements the transition observer.
func (Recorder) ObserveTransition(operation, outcome string) {
	ObserveTransition(operation, outcome)
}

func (c *escrowMetrics) render(builder *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]transitionKey, 0, len(c.transitions))
	for key := range c.transitions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].operation == keys[j].operation {
			return keys[i].outcome < keys[j].outcome
		}
		return keys[i].operation < keys[j].operation
	})
	outcomes := make([]string, 0, len(c.reconciles))
	for outcome := range c.reconciles {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)

	builder.WriteString("# HELP escrowd_escrow_operations_total Escrow and factory operations by outcome.\n")
	builder.WriteString("# TYPE escrowd_escrow_operations_total counter\n")
	for _, key := range keys {
		fmt.Fprintf(builder, "escrowd_escrow_operations_total{operation=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.operation), escape(key.outcome), c.transitions[key])
	}

	builder.WriteString("# HELP escrowd_reconcile_attempts_total Pending leg reconciliation attempts by outcome.\n")
	builder.WriteString("# TYPE escrowd_reconcile_attempts_total counter\n")
	for _, outcome := range outcomes {
		fmt.Fprintf(builder, "escrowd_reconcile_attempts_total{outcome=\"%s\"} %d\n", escape(outcome), c.reconciles[outcome])
	}
}
