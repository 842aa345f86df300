package booking

import (
	"errors"
	"log"
	"time"

	"tripbook/internal/booking/saga"
	"tripbook/internal/observability"
)

// Config gathers every tunable of the booking subsystem.
type Config struct {
	Orchestrator       OrchestratorConfig
	Supervisor         SupervisorConfig
	Reliability        ReliabilityConfig
	AbandonedRetention time.Duration
}

// Dependencies are the external systems the booking subsystem talks to.
// Store and Gateway are mandatory; there is no simulated payment fallback.
type Dependencies struct {
	Store   saga.Store
	Vendors Vendors
	Gateway PaymentGateway
	Ledger  PaymentLedger
	Journal Journal
	Alerter Alerter
	Metrics *observability.Metrics
	Now     func() time.Time
	Logf    func(format string, args ...any)
}

// BuildSupervisor wraps every remote client with rate limiting, circuit
// breaking and retries, then wires the Orchestrator and Supervisor.
func BuildSupervisor(deps Dependencies, cfg Config) (*Supervisor, error) {
	if deps.Gateway == nil {
		return nil, ErrPaymentGatewayRequired
	}
	if deps.Store == nil {
		return nil, errors.New("saga state store is required")
	}
	logf := deps.Logf
	if logf == nil {
		logf = log.Printf
	}

	vendors := make(Vendors, len(deps.Vendors))
	for name, client := range deps.Vendors {
		vendors[name] = NewReliableVendorClient(name, client, cfg.Reliability, deps.Metrics, logf)
	}

	orch, err := NewOrchestrator(OrchestratorDeps{
		Repository: NewRepository(deps.Store, cfg.AbandonedRetention),
		Vendors:    vendors,
		Gateway:    NewReliableGateway(deps.Gateway, cfg.Reliability, deps.Metrics, logf),
		Ledger:     deps.Ledger,
		Journal:    deps.Journal,
		Alerter:    deps.Alerter,
		Now:        deps.Now,
		Logf:       logf,
	}, cfg.Orchestrator)
	if err != nil {
		return nil, err
	}
	logf("booking supervisor ready: %d vendors, deadline %v, retention %v", len(vendors), cfg.Supervisor.Deadline, cfg.AbandonedRetention)
	return NewSupervisor(orch, cfg.Supervisor, deps.Metrics), nil
}
