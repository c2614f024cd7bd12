// Package dag holds the dependency graph between workflow jobs. It is used
// at parse time to reject undefined references and cycles, and by the
// scheduler to find the dependents of a finished job in declaration order.
package dag
