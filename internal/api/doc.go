// Package api exposes the runtime over REST: one-shot calls, swarm batches,
// in-memory conversations, asynchronous jobs and the model catalog.
package api
