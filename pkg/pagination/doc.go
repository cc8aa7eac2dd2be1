// Package pagination provides parallel batch fetching for work items
// referenced by a WIQL query result.
//
// A query returns an ordered list of lightweight references. The work
// items endpoint accepts at most 200 ids per call, so the reference list
// is partitioned into windows by position (Plan) and every window is
// fetched concurrently by a bounded pool (BatchFetcher.FetchAll). Each
// fetch writes only the slot of its own batch index; the slots are read
// after the join barrier and flattened by Aggregate.
//
// Example usage:
//
//	config := pagination.DefaultConfig()
//	fetcher := pagination.NewBatchFetcher(adoClient, config)
//	items, report, err := fetcher.FetchAndAggregate(ctx, refs)
//
// Window arithmetic:
//   - PolicyHalfOpen (default): ceil(n/limit) windows [i*limit, min((i+1)*limit, n))
//   - PolicyLegacy: floor(n/limit) windows (i*limit, i*limit+limit-1),
//     which drops two positions per window and the trailing remainder.
//     Kept only for parity with historical output.
//
// Failure handling:
//   - FailFast (default): the first failing batch cancels the rest and
//     is returned as a *BatchError
//   - BestEffort: failed batches leave empty slots and are listed in
//     FetchReport.Failed
package pagination
