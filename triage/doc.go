// Package triage aggregates task failures of one execution and turns them
// into a report: counts per error type and code, bursts in time, runs of
// adjacent failing items, items that failed more than once, and ranked
// recommendations.
//
// A Collector is append-only and safe for concurrent use. Report never fails;
// an empty collector yields an empty report.
package triage
