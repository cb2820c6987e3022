// Package harness runs visitation scenarios end to end.
//
// A scenario seeds replicas into a fresh in-memory store, starts one
// visitation on the local engine and checks the outcome.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: reindex_small
//	description: "Every bundle of one replica is indexed once"
//	page_size: 2
//	replicas:
//	  aws:
//	    bucket: dss-test
//	    bundles:
//	      - uuid: 0a1b2c3d-0000-4000-8000-000000000000
//	        version: 2024-01-01T000000.000000Z
//	    keys:
//	      - bundles/not-a-bundle
//	visitation:
//	  type: reindex
//	  number_of_workers: 2
//	  replica: aws
//	  bucket: dss-test
//	budget: { millis: 3, cost: 1 }
//	assertions:
//	  - type: status
//	    status: SUCCEEDED
//	  - type: work_result
//	    expect: { processed: 2, indexed: 1 }
//	  - type: index_count
//	    replica: aws
//	    count: 1
//
// # Assertion Types
//
//   - status: the execution status
//   - work_result: subset match against the aggregated work result
//   - index_count: number of index documents of one replica
//   - step_count: number of checkpoints of one step
//
// # Deterministic Testing
//
// Execution names come from a fixed name generator and, when a budget is
// given, every invocation gets the same deterministic remaining-time oracle.
// Lane traces are therefore identical across runs; only the seq interleaving
// of concurrent lanes varies, so golden snapshots omit seq.
package harness
