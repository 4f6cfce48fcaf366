// Package tablemirror mirrors relational database tables into a cloud data
// warehouse.
//
// A table is extracted from PostgreSQL or MySQL into sequence-numbered csv,
// parquet or avro files, optionally uploaded to S3, GCS or MinIO, and loaded
// into Snowflake or BigQuery. Tables are mirrored either as full snapshots
// that atomically replace the target, or incrementally above a persisted
// watermark. Source columns that appear or change type evolve the target
// schema additively; nothing is ever dropped or narrowed.
//
// # Architecture
//
// The binary lives in cmd/tablemirror. A run of one table is driven by
// internal/coordinator through the stages EXTRACTING, STAGING, SCHEMA_CHECK
// and LOADING:
//
//   - internal/planner reads rows above the watermark and writes batch files
//     through pkg/filesink.
//   - pkg/objectstore uploads the files; pkg/warehouse stages and loads them.
//   - pkg/schema reconciles each batch schema with the target catalog on the
//     type lattice bool < int < float < string, date < timestamp < string.
//   - internal/state persists watermarks, pending files and the file
//     manifest in SQLite, and holds the per-table lease.
//
// internal/scheduler runs the enabled tables of every replication file on a
// bounded worker pool, once or on a cron schedule.
//
// # Delivery guarantees
//
// Every file carries a table-wide sequence number. Incremental loads record
// the sequence and the batch's highest watermark in a warehouse manifest
// table in the same transaction as the rows. A run that crashed after the
// warehouse commit resumes from the manifest's watermark instead of loading
// the batch again. Local state only advances after the warehouse has
// committed, and the watermark never moves backwards. A run renews its
// table lease while it works and stops before committing if the lease is
// lost.
//
// # Configuration
//
// See pkg/config for the replication file format and the process settings.
package tablemirror
