// Package session owns the turn-taking state machine for multi-agent
// conversations: session creation with atomic user upsert, FIFO turn
// queueing, turn release and promotion, the bounded context window of
// memory-slice references, and the session lifecycle
// (active -> paused -> closed).
//
// Turn mutations for one session are serialized behind a per-session lock;
// independent sessions proceed in parallel. A busy turn request never
// blocks: it returns a queued decision carrying a notification channel the
// caller may wait on.
package session
