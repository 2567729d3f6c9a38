// Package lease decides how long registrations live.
package lease
