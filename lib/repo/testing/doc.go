// Package testing provides standardised tests and benchmarks for
// implementations of the repo.IRepository interface.
//
// The package contains:
//   - testing: a conformance suite covering the cache, write-behind and restart guarantees
//   - benchmark: throughput benchmarks for the common operations
//   - recorder: a repo.Observer that counts physical disk operations
//
// Example usage:
//
//	factory := func(cfg repo.Config) (repo.IRepository, error) {
//		return repo.New(cfg)
//	}
//
//	// Running the standard test suite
//	testing.RunRepositoryTests(t, "repo", factory)
//
//	// Running performance benchmarks
//	testing.RunRepositoryBenchmarks(b, "repo", factory)
package testing
