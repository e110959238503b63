// Package engine runs tasks. Handler drives one task through its stages;
// LocalPool and DistributedPool decide where and when handlers run.
// Distributed tasks travel through a Broker to Worker processes that share
// the task store with the submitting server.
package engine
