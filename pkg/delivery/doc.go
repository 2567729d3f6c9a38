/*
Package delivery pushes events to registration targets.

The Engine runs one scheduler goroutine that takes pending registrations
from the registry and starts a task for each on a pool bounded by a
weighted semaphore. A task delivers a registration's events in order,
one at a time, until the log is empty or the registration leaves push
mode. Transient failures are retried with exponential Backoff; a task is
abandoned after MaxAttempts failures on the same event or once the next
retry would run past MaxTaskDuration. Abandoned events stay in the log.
*/
package delivery
