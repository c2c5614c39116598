package redis

import "github.com/eternahome/conduit/job"

// Key layout:
//
//	conduit:broker:ready:<type>  ZSET  member=ticket ID, score=ready-at (unix ms)
//	conduit:broker:inflight      ZSET  member=ticket ID, score=visibility deadline (unix ms)
//	conduit:broker:ticket:<id>   STRING msgpack-encoded ticket
//	conduit:broker:types         SET    job types with a ready ZSET
const (
	keyPrefix   = "conduit:broker:"
	inflightKey = keyPrefix + "inflight"
	typesKey    = keyPrefix + "types"
)

func readyKey(t job.Type) string {
	return keyPrefix + "ready:" + string(t)
}

func ticketKey(ticketID string) string {
	return keyPrefix + "ticket:" + ticketID
}
