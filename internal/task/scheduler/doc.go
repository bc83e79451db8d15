// Package scheduler runs the reminder engine: it rebuilds the timer index on
// start, pops due reminders on a fixed tick, and feeds them to a bounded pool
// of delivery workers. It also exposes the create/cancel/reschedule
// operations the chat and MCP front ends call.
package scheduler
