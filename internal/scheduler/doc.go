// Package scheduler drives the job instances of one run to terminal
// states. A single event loop owns every scheduling decision: it blocks
// instances on their needs, evaluates job conditions, queues instances on
// their concurrency groups and hands them to a fixed pool of workers whose
// labels satisfy runs-on. Workers only execute and report back.
package scheduler
