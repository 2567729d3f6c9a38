// Package streampool bounds the number of open log files. Handles are keyed
// by path and role, held exclusively while in use, and evicted least
// recently released first when the pool is full.
package streampool
