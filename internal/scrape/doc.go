// Package scrape defines the shared vocabulary of the harvesting engine:
// targets and queries, strategy tiers, attempt outcomes, extracted records,
// and the narrow interfaces the engine uses to reach its collaborators
// (HTTP transport, automation backend, challenge solver, sinks).
package scrape
