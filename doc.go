// Package tierflow is a runtime for multi-tier ETL pipelines built on
// Watermill. Each tier consumes "data changed" notifications from the tier
// before it, runs a domain job over the changed ranges and publishes what it
// changed in turn, so raw events become derived rows and then aggregates.
//
// A notification is a Message: DataStoreUpdated carries, per table, a
// ChangeSet of range queries (numeric, datetime or date bounds scoped by
// Filters); CancelProcessing names tables whose work should stop. A tier only
// accepts messages produced by the tier directly before it and silently drops
// the rest.
//
// # Durability
//
// Every accepted message is written to the job ledger before the broker
// delivery is acknowledged and before the domain job runs. On startup the
// ledger is replayed: every record without a finish time is processed again,
// which is why domain jobs must be idempotent. The ledger lives in PostgreSQL,
// SQLite or memory, selected by Config.LedgerURL.
//
// # Jobs
//
// A Job reports its tier and transforms one table's ChangeSet at a time using
// the source and sink database pools in Connections. Jobs register themselves
// by id with RegisterJob, and Config.JobID picks the one a process runs:
//
//	func init() {
//		tierflow.RegisterJob("actions_to_buy_sell", actions.New)
//	}
//
// # Transports
//
// Brokers are pluggable through the transport registry. Import the ones you
// need, or transport/transports for all of them:
//   - channel: in-memory Go channels for tests and single-process pipelines
//   - rabbitmq: AMQP durable queues (the default production broker)
//   - kafka: consumer-group streaming
//   - nats: NATS core subjects
//   - aws: SNS topics fanned out to SQS queues, with LocalStack support
//   - http: tier-to-tier HTTP push
//
// Service wires the ledger, the job, the broker gateway and an admin HTTP
// server (health, manual injection, ledger inspection and Prometheus
// metrics). The tierflow command in cmd/tierflow runs one tier from a YAML
// file, environment variables and flags.
package tierflow
