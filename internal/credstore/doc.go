// Package credstore persists what a session needs to reconnect without a new
// pairing: one opaque credential blob and any number of key records.
//
// Layout inside the kv store, with the default namespace "session":
//
//	session:<id>:creds                 credential blob, optional TTL
//	session:<id>:keys:<type>:<keyId>   key records
//	session:<id>:meta                  {"webhook_url": "..."}
//
// Session ids are restricted to [A-Za-z0-9._@+-]{1,128}. Without ':' in an
// id, the prefix "session:<id>:" can never match another session's records,
// so DeleteAll is safe.
//
// Every call reaches the backend. Writes that fail come back as
// *StorePersistenceError so callers can tell storage faults from bad input.
package credstore
