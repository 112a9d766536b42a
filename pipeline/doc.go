// Package pipeline implements the fetch-reason-persist query flow over the
// session context window and the encrypted vault.
//
// Retrieval degrades gracefully: context references that cannot be
// resolved or decrypted are dropped and annotated, never fatal. Reasoning
// failure is fatal. Persistence is retried with exponential backoff and,
// once begun, is shielded from caller cancellation; if retries are
// exhausted the reasoning result is still returned, flagged unpersisted,
// alongside the persistence error. Nothing is ever fabricated to fill a
// gap.
package pipeline
