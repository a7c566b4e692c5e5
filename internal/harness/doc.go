// Package harness runs scripted scenarios against a fresh state engine.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: profile_updates
//	description: "What this scenario validates"
//	offline: false
//	steps:
//	  - op: create
//	    doc: users/alice
//	  - op: subscribe
//	    name: profile
//	    doc: users/alice
//	    pattern: profile/**
//	  - op: put
//	    doc: users/alice
//	    path: profile/name
//	    value: Alice
//	  - op: tx
//	    ops:
//	      - { op: increment, doc: users/alice, path: visits, delta: 1 }
//	  - op: flush
//	expect:
//	  documents:
//	    users/alice: { profile: { name: Alice }, visits: 1 }
//	  versions:
//	    users/alice: 2
//	  events:
//	    profile: 1
//	  queue_length: 1
//
// # Steps
//
//   - create, delete: create or delete doc through the engine
//   - put, remove, increment, fail: one reactive update of doc
//   - tx: stage ops (put, remove, increment, fail) and commit them
//   - subscribe, unsubscribe: manage a named subscription
//   - flush: deliver buffered events and drain every subscription
//   - offline: toggle mirroring of updates into the queue
//   - replay: replay the queue into the engine's own store
//   - snapshot: take a snapshot of doc
//   - clear_queue: drop every queued operation
//
// A step with expect_error must fail with that error code; any other
// failure is recorded as a scenario error.
//
// # Deterministic Testing
//
// Every run uses a testutil.DeterministicClock, so the batch window never
// elapses on its own and events are delivered only by flush steps. The
// trace leaves out change hashes and timestamps, which makes it stable
// enough for golden file comparison.
package harness
