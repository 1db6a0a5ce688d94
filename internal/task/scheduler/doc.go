// Package scheduler turns per-source schedules into engine tasks.
//
// The scheduler only triggers; execution, overlap dropping and the worker cap
// belong to the task engine. Resident mode keeps one cron entry per source,
// one-shot mode enqueues every source once and waits for all of them.
package scheduler
