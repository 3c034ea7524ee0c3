// Package util provides the building blocks shared by the repository and the
// disk store.
//
// The package contains:
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer (MPSC) queue. Every unit
//     feeds its write tickets through one of these to its writer goroutine.
//   - slots: an optional bound on outstanding queue items. Producers block instead of
//     dropping items when the bound is reached.
//   - statistics: a size histogram and distribution statistics used for Info reports.
//   - functions: checksums for persisted files.
package util
