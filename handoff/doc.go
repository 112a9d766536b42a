// Package handoff coordinates cross-agent turn and context transfer. A
// handoff moves the session turn from the source agent to a capable target
// and hands over a context slice reference in one committed unit: readers
// never observe a completed handoff whose session still names the source
// as turn holder.
package handoff
