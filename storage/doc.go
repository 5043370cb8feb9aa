// Package storage keeps serialized share sets outside the replicas.
//
// A share set is produced by a backup and is required by every restore of
// the same secret. The replicas never see it, so the client persists it in
// one or more backends:
//
//   - File system storage for local development and single-device clients
//   - S3-compatible object storage
//   - Vault KV v2 with token or TLS client certificate authentication
//
// # Storage URI Format
//
// Backends are selected with URIs:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/svr3/share-sets
//   - s3://bucket-name/prefix/?region=us-west-2&endpoint=minio.local:9000
//   - vault://vault.example.com:8200/secret/svr3?cert=client.pem&key=client.key
//
// Share sets are keyed by the hex user id. MultiStorageBackend writes to
// every available backend and reads from the first one that has the
// share set.
package storage
