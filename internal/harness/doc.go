// Package harness runs reconciliation scenarios against a real engine.
//
// A scenario is a YAML file describing a sequence of whole-tree edits and
// the outcome each should have. The harness executes the steps against an
// isolated in-memory store, records a trace of step outcomes and checks
// assertions against the final tables.
//
// # Scenario Format
//
//	name: reorder_pages
//	description: "Moving a page keeps its id and actions"
//	steps:
//	  - op: reconcile
//	    as: stop
//	    desired:
//	      title: Line stoppage
//	      kind: incident
//	      pages:
//	        - title: Step 1
//	          time: 5
//	          actions:
//	            - text: Stop conveyor
//	  - op: reconcile
//	    target: stop
//	    desired:
//	      title: Line stoppage
//	      kind: incident
//	      pages:
//	        - ref: stop.pages[0]
//	          title: Step 1
//	          actions:
//	            - ref: stop.pages[0].actions[0]
//	              text: Stop conveyor
//	    expect:
//	      changed: false
//	assertions:
//	  - type: row_count
//	    table: actions
//	    count: 1
//	  - type: final_state
//	    table: pages
//	    where: { id: "n-0002" }
//	    expect: { position: 0 }
//
// Refs name nodes of the item bound to an alias as of the alias's latest
// successful step, so a ref to a node that a later step removed resolves
// to an id that no longer exists.
//
// # Deterministic Testing
//
// Identifiers come from reconcile.SequenceGenerator with prefix "n" and
// timestamps from testutil.DeterministicClock, so the trace and the final
// forest outline are stable enough for golden file comparison.
package harness
