// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor composes the timer queue, the I/O readiness
// dispatcher, the async-safe work dispatcher and a deferred work queue
// behind one dispatch loop, all sharing a single wake-up trigger.
package reactor
