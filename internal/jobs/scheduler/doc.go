// Package scheduler triggers recurring jobs (robfig/cron specs or fixed
// intervals) and hands each trigger to the job engine. It never runs job
// bodies itself.
package scheduler
