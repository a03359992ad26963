// Package snapshot provides the public contracts and data model for incremental
// table snapshots.
//
// A sync pass reads each configured table from a DataSource, writes the rows as
// an immutable object through an ObjectSink, and then records a per-table
// watermark in a WatermarkStore so the next pass only extracts newer rows.
//
// Key Components:
//   - DataSource: runs a bounded row query against one table
//   - ObjectSink: stores a serialized row set under a unique object name
//   - WatermarkStore: durable table name -> last sync time map
//   - RunResult: the externally visible outcome of one pass
package snapshot
