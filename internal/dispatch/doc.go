// Package dispatch serializes every use of the automation engine onto one
// worker goroutine.
//
// Submitters push tasks into an unbounded FIFO Channel and receive a Future.
// The Worker pops tasks in order and either runs them to completion (inline
// kinds) or starts them on the engine and returns to the queue (tracked
// kinds). Tracked tasks finish later, when the Bridge sees the engine's
// terminal callback or the Watchdog sees their deadline pass. Every path
// funnels through one finish step, so each result slot is written once.
package dispatch
