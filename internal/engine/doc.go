// Package engine runs handlers inside retryable transactions.
//
// Executor is the retry loop: it begins a transaction for each attempt,
// runs the work, commits, and on a conflict resets the replayable request
// and response and tries again, up to the RetryPolicy bound. Capacity
// rejections are never retried. A buffered response reaches the transport
// only after the attempt that committed.
//
// Container sits in front of the Executor. For each Call it:
//
//  1. Resolves the effective auth level (handler level raised to the
//     container minimum, except for guest credentials).
//  2. Authenticates inside a short readonly transaction and checks roles.
//     A sysadmin who is not a super-admin runs as authctx.System; the
//     audit slot keeps the real identity.
//  3. Wraps the request and response for replay when the handler declares a
//     readwrite transaction with a buffer size.
//  4. Runs the handler through the Executor and classifies whatever escapes
//     into an Outcome.
//
// The identity stack is pushed on entry and unwound on every exit path,
// panics included.
//
// Every execution gets a correlation id (UUIDv7 by default). It tags log
// lines, audit rows and the message of hidden failures, so an operator can
// find the full cause from what the client saw.
package engine
