// Package memory keeps records, campaign progress and the abandon ledger
// in process memory for development and tests.
package memory
