// Package registry maps the `uses` references of workflow steps to the
// compiled Go actions that implement them.
//
// Modules register their actions at startup together with a struct type
// describing the action's inputs. Every input field carries a `with` tag
// naming the key in the step's `with` map, optionally marked required, and
// an optional `default` tag. The registry validates those input structs
// once at startup and decodes each invocation's inputs into them, so an
// unknown or missing input fails the step before the action runs.
package registry
