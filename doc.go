// Package saga runs multi-step business transactions as sagas: an ordered
// list of local steps, each with an optional compensation, executed against a
// durable log so that a failure part way through can be rolled back and any
// instance can be inspected, retried or compensated later.
//
// Overview
//
//  1. Build a definition with New and AddStep. A step's ExecuteFunc returns an
//     Outcome; its Data is the step result and, unless Compensation is set,
//     also what the step's CompensateFunc receives on rollback. DependsOn
//     merges an earlier step's result into a later step's payload.
//  2. Pick a Log: NewMemoryLog for tests, OpenFileLog for a single node, or
//     the pglog package for PostgreSQL.
//  3. Call Execute. Steps run one at a time in the order they were added. If
//     one fails, every step that completed before it is compensated in
//     reverse order, the instance ends COMPENSATED and the step's original
//     error is returned.
//  4. Register definitions in a Registry and use Recovery to list pending
//     instances, retry FAILED ones and compensate stuck ones.
//
// Example:
//
//	o := saga.New("cart_add", log, saga.WithRegistry(reg)).
//		AddStep("validate_item", validate, nil, nil).
//		AddStep("insert_row", insert, deleteRow, nil, saga.DependsOn("validate_item"))
//	res, err := o.Execute(ctx, "", saga.Data{"menu_item_id": id, "quantity": 2})
package saga
