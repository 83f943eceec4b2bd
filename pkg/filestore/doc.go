/*
Package filestore is component B: a content-addressed blob store with
per-(tenant, filename, hash) metadata sidecars carrying download quota and
expiry.

Blobs are immutable and shared: the same bytes uploaded under two filenames
or tenants occupy one file on disk, keyed by hex SHA-256 and sharded by the
first two hex digits. Metadata is mutable under a per-identity lock, and a
blob survives until no live metadata entry references it.

Writes land in tmp/ first and are published with an atomic rename, so a
reader never observes a partial blob and Put is idempotent on content.
Re-putting an existing identity merges policy strictly: the minimum
remaining_downloads and the earlier expires_at win, never the looser value.
*/
package filestore
