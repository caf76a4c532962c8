// Package pebblestore keeps log-backup metadata in a local Pebble database
// for single-node deployments without NATS.
//
// Key layout:
//
//	t/<task>                 -> task definition (JSON)
//	g/<task>                 -> global checkpoint (8-byte big-endian ts)
//	r/<task>/<region id BE>  -> region checkpoint (8-byte big-endian ts)
package pebblestore
