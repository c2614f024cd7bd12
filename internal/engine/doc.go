// Package engine runs one workflow dispatch end to end: trigger check,
// session set-up, matrix expansion, the instance graph, workflow-level
// concurrency, scheduling, teardown and the terminal snapshot.
package engine
