// Package main hosts the harvester entrypoint.
//
// Architecture overview:
//   - Campaign: the coordinator expands configured targets × queries into work items, feeds them through a
//     bounded in-memory queue to a fixed worker pool, and streams deduplicated records to the sink in batches.
//   - Chains: each work item runs a chain in the engine. The governor admits every attempt (global ceiling plus a
//     per-target token bucket); the strategy ladder escalates from a plain request through header spoofing, warmed
//     sessions and browser automation to proxied automation and challenge clearance.
//   - Identities and sessions: header profile × proxy identities carry per-target ban scores and quarantine;
//     sessions pin an identity and cookie jar to one target and are warmed before reuse.
//   - Persistence: records go to memory, a rotating JSON lines file, SQLite (gorm) or Postgres (pgx). The abandon
//     ledger follows the sink so abandoned targets are skipped across runs during the cooldown.
//   - Observability: zap logs, Prometheus metrics at /metrics, and a progress hub that batches attempt and chain
//     events into log, metrics and campaign-store sinks. The ops API serves /healthz, /readyz and /v1 summaries.
//
// Quick checklist:
//   - Validate a config: harvester validate --config harvester.yaml
//   - Run one campaign: harvester run --config harvester.yaml [--serve]
//   - Env overrides use HARVESTER_ with dots replaced by underscores, e.g. HARVESTER_SINK_KIND=sqlite.
package main
