// Package flashsale holds the ambient types shared by the cache-consistency and
// flash-sale packages: a tiny leveled Logger and the transient error marker.
//
// Components:
//   - kv: the shared key-value store contract (Redis or in-process).
//   - lock: distributed mutual exclusion over SETNX with checked release.
//   - idgen: time-ordered 64-bit ids backed by a daily counter.
//   - cache: read-through cache with null caching, logical expiration and
//     mutex rebuild strategies.
//   - seckill: limited-stock order admission (at most one order per user and
//     offer, never oversold).
//   - store: shops, offers and the order ledger on SQLite or PostgreSQL.
//
// cmd/flashsale wires all of them and runs a simulated sale.
//
// Keys:
//
//	cache:<entity>:<id>       - cached entities (plain or logical envelope)
//	lock:<name>               - lock records
//	icr:<scope>:<yyyy:MM:dd>  - id counters
//	gen:<cache key>           - cache key generations (KV gen store)
//	seckill:stock:<offer>     - remaining stock
//	seckill:order:<offer>     - users admitted for an offer
//	seckill:reconcile         - pairs flagged for out-of-band reconciliation
package flashsale
