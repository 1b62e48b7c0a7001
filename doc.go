// Package strata implements a versioned, transactional, schemaless
// record store: callers associate typed values with fields of integer
// record ids, every association is versioned and kept as an immutable
// revision, and reads can ask either for the current state or for the
// state as of any earlier version.
//
// An Engine owns one Buffer (a durable append-only write-ahead log) and
// one Segment store (immutable on-disk chunks) per environment, with a
// background transporter draining the Buffer into fresh Segments. Writes
// acquire leases from an in-process lock broker before they are
// appended; present-time reads acquire the matching read lease, while
// historical reads (an explicit version argument) bypass the broker
// entirely and are served straight from the merged Buffer+Segment view.
//
//	engine, err := strata.New(strata.DefaultConfig())
//	...
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Stop(ctx)
//
//	engine.Add(ctx, "", "status", codec.NewTag("open"), 42)
//	values, err := engine.SelectField(ctx, "", "status", 42, nil)
package strata
