// Package app wires the burstci runtime together: it builds the logger,
// the action registry, the stores and the engine from a Config, and runs
// a workflow once or on every change to the workflow file.
package app
