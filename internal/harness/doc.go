// Package harness runs YAML scenarios through an engine.Container in process.
//
// A scenario declares identities, then a list of steps. Each step names a
// route descriptor, the caller's token and body, and optionally scripts the
// transaction manager (fail_begin, fail_commit) or the handler itself (the
// "script" handler). The harness records each step's outcome, what reached
// the client, and every attempt the executor made.
//
// # Scenario Format
//
//	name: retried_write
//	description: "A conflicting write is retried and delivered once"
//	retries: 3
//	identities:
//	  alice: { name: alice, roles: [user] }
//	steps:
//	  - name: write
//	    token: alice
//	    route: { handler: script, auth: user, transaction: required, capability: readwrite, buffer_size: 64 }
//	    script:
//	      - { write: "first", fail: conflict }
//	      - { write: "second" }
//	    expect:
//	      status: ok
//	      body: "second"
//	      attempts: 2
//	      header_writes: 1
//	assertions:
//	  - type: disposition_count
//	    disposition: retry
//	    count: 1
//
// Steps run against testutil.Manager by default. "store: sqlite" runs them
// against a temporary SQLite store instead, which the kv handlers and the
// kv_value / kv_absent assertions need.
//
// # Deterministic Testing
//
// Correlation ids come from testutil.SequentialIDs prefixed with the scenario
// name, and retries never sleep, so a scenario's Trace is stable and can be
// compared against a golden file with RunWithGolden.
package harness
