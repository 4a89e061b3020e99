// Package ledger defines the append-only event log at the heart of rentledger.
//
// Events are created by a Factory, written through a Store and never mutated
// afterwards, with one exception: Meta.ChainStatus, which tracks whether the
// event has been sealed into its subject's hash chain (see package chain).
//
// Three Store implementations are provided:
//   - MemoryStore: in-process arena, for testing and single-process deployments.
//   - PostgresStore: durable, for production use.
//   - SQLiteStore: embedded, for single-node deployments without Postgres.
package ledger
