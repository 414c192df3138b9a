// Package parquery is an in-process parallel query execution engine: a
// declaratively composed pipeline of relational-style operators over an
// in-memory sequence, executed across a configurable fan-out of workers,
// optionally preserving the source order.
//
// A Query is built fluently from a source (FromSlice, FromSeq, Range,
// FromPartitions), shaped with operators (Filter, Map, Limit, Skip,
// TakeWhile, Reverse, Distinct, Concat, Join, GroupBy, Sorted, ...) and
// consumed through a terminal (Results, Collect, ForAll, First, Sum, ...).
// Nothing runs until a terminal is invoked.
//
// Internally, opening a query walks the operator tree root to leaves, each
// operator wrapping its child's partitioned stream; at execution time
// elements flow back up, tagged with order keys that let the merge
// reconstruct the source order when asked to. Set operators, joins and
// group-by redistribute elements across workers with a hash-repartition
// exchange; sorts run a cooperative parallel mergesort inside the ordered
// merge.
//
//	evens, err := parquery.Range(0, 1000).
//		AsOrdered().
//		Filter(func(v int) bool { return v%2 == 0 }).
//		WithOptions(parquery.WithParallelism(8)).
//		Collect()
//
// Cancellation is honored through WithContext: every worker polls the
// caller's context and a canceled execution surfaces a *CanceledError.
// Failures from user callbacks are collected across workers into an
// *AggregateError.
package parquery
