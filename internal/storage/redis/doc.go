// Package redis wraps go-redis client construction for the usage sink and the
// job queue so both share one connection policy.
package redis
