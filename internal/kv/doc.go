// Package kv is the durable byte-string store behind session credentials.
//
// Two backends implement Store:
//
//   - RedisStore uses go-redis. Expiry is native (SET with a TTL), batches
//     run in a MULTI/EXEC pipeline and prefix operations use SCAN with the
//     prefix glob-escaped.
//   - SQLiteStore keeps everything in a single kv table. Expired rows are
//     filtered out of every read and deleted by a background ticker.
//
// Keys are plain strings. Callers compose them with JoinKey, using ':' as the
// separator, and must keep ids free of ':' so that prefix operations stay
// scoped to one owner.
//
// No backend caches reads. Every call reaches the server or database, so two
// gateway processes sharing a Redis see each other's writes immediately.
package kv
