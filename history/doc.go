// Package history persists orchestration outcomes: finished runs are
// archived into an embedded sqlite database for audit, and the fairness
// speaking window can be mirrored into redis so turn rotation survives
// process restarts.
package history
