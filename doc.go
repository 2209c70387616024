/*
Package shardq evaluates boolean queries over documents stored in a sorted,
sharded key-value layout with an inverted field index.

A shard is one row of the store. Within it, three families of keys are kept:

1. Field index keys, cf "fi\x00FIELD", cq "value\x00datatype\x00uid", one per
term occurrence. These drive candidate selection.

2. Document keys, cf "datatype\x00uid", cq "FIELD\x00value", holding each
document's attributes.

3. Term frequency keys, cf "tf", cq "datatype\x00uid\x00value\x00FIELD",
holding msgpack-encoded token offsets used by proximity predicates.

# Pieces

**FieldIndexScanner** turns a single field == value term into an ordered
stream of candidate documents, using seeks to skip regions of the shard that
cannot hold the term.

**EvalContext** and **EvalPool** are the reusable evaluation slots and the
fixed-size pool that bounds how many evaluations run at once.

**NewEvaluator** pulls candidates, evaluates them (concurrently or inline)
and yields matches in candidate order.

**BulkPipeline** is the alternative for whole-shard scans: dedicated
aggregate, enrich and evaluate stage workers connected by bounded queues,
yielding matches in completion order.

The sorted store itself is abstracted by the kv package.
*/
package shardq
