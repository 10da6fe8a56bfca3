/*
Package runtime wires one pipeline tier of tierflow.

# Architecture Overview

A tier is a chain of small components connected by channels:

	broker -> gateway (inbound) -> orchestrator -> ledger.Record -> processor
	       -> domain job -> ledger.Complete -> orchestrator -> gateway (outbound) -> broker

The gateway turns a Watermill subscription into a channel of deliveries and
drains the processor's output channel into a Watermill publisher. The
orchestrator acks a delivery only after the ledger recorded it, then hands the
message to the processor. Processing failures stop the tier; the job stays
in the ledger and is replayed by the next start.

# Package Structure

## Core Service (service.go)

Service opens the ledger store and the domain database pools, builds the
registered job, and wires processor, gateway and orchestrator around one
Prometheus registry.

## Admin server (admin.go, resources.go)

AdminHandler serves:
  - GET /healthz: liveness
  - POST /messages: inject a Message as if it came from the broker
  - GET /api/jobs: unfinished ledger records
  - GET /api/status: tier, queues and process resource usage
  - GET /metrics: Prometheus exposition, when enabled

# Sub-packages

  - config/: YAML and environment configuration with validation
  - errors/: sentinel errors and error types
  - gateway/: broker to channel adapter with poison queue support
  - ids/: ULID generation for message ids
  - jsoncodec/: JSON marshaling backed by sonic
  - ledger/: durable job records in PostgreSQL, SQLite or memory
  - logging/: logger interface and Watermill/slog adapters
  - metadata/: message metadata keys
  - orchestrator/: task supervision and the main loop
  - processor/: tier validation, job dispatch, hooks and metrics
  - ranges/: ranges, filter scopes and change sets
  - wire/: the JSON message exchanged between tiers

# Usage Example

	conf := config.Default()
	conf.JobID = "buy_sell_to_balances"
	conf.LedgerURL = "postgres://etl@localhost/etl?sslmode=disable"
	conf.SourceURL = "postgres://etl@localhost/tier2?sslmode=disable"
	conf.SinkURL = "postgres://etl@localhost/tier3?sslmode=disable"

	svc, err := runtime.NewService(ctx, &conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.Start(ctx)
*/
package runtime
