// Package collective provides the process-group primitives the
// aggregation protocol runs on: ranked membership, addressed payload
// delivery, and a group-wide barrier. It defines the abstract Group
// interface with two implementations. Local wires the ranks of a single
// process together over channels and exists for tests, demos and
// benchmarks. TCP connects one OS process per rank over persistent
// framed connections, with rank 0 coordinating barriers.
//
// Typical usage:
//
//	members, _ := collective.NewLocal(8)
//	// hand members[i] to the goroutine acting as rank i
//
// or, one process per rank:
//
//	g, _ := collective.NewTCP(collective.TCPConfig{Rank: 3, Addrs: addrs})
//	defer g.Close()
package collective
