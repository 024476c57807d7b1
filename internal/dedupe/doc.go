// Package dedupe provides a time-bounded window of seen keys used to drop
// frames that arrive more than once.
package dedupe
