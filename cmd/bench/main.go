// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides throughput and scalability benchmarks for a Registry.
//
// # Benchmark Categories
//
// The benchmark suite includes:
//   - Single-threaded register/unregister (baseline performance)
//   - Concurrent register/unregister (scalability testing)
//   - Dependency cascade depth (cascading destruction overhead)
//   - Mixed workload (register, unregister, add/remove dependency)
//
// # Usage
//
//	go run ./cmd/bench
//
// # Interpreting Results
//
// Key metrics to consider:
//   - Throughput: operations per second (higher is better)
//   - Scalability: throughput improvement with more goroutines
//   - Contention: throughput degradation under high concurrency on the
//     same bucket or the same dependency chain
//
// # Thread Safety
//
// Benchmarks exercise the same concurrent entry points application code
// would use; a Registry is always safe for concurrent use.
//
// # See Also
//
// For interactive testing, see the REPL tool.
package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/handlelife"
)

func main() {
	fmt.Println("Handle Lifetime Manager Benchmarks")
	fmt.Println("===================================")

	benchmarkSingleThreaded()
	benchmarkConcurrentRegisterUnregister()
	benchmarkDependencyCascade()
	benchmarkMixedWorkload()
}

func noopDestructor(handlelife.HandleKey, any) error { return nil }

func benchmarkSingleThreaded() {
	fmt.Println("\n1. Single-threaded register/unregister")
	reg := handlelife.NewRegistry()
	defer reg.Close()

	const numKeys = 100000

	start := time.Now()
	for i := 0; i < numKeys; i++ {
		key := handlelife.HandleKey{Class: "bench", ID: uintptr(i)}
		reg.Register(key, nil, noopDestructor)
	}
	duration := time.Since(start)
	fmt.Printf("   Register: %d ops in %v (%.0f ops/sec)\n", numKeys, duration, float64(numKeys)/duration.Seconds())

	start = time.Now()
	for i := 0; i < numKeys; i++ {
		key := handlelife.HandleKey{Class: "bench", ID: uintptr(i)}
		reg.Unregister(key)
	}
	duration = time.Since(start)
	fmt.Printf("   Unregister: %d ops in %v (%.0f ops/sec)\n", numKeys, duration, float64(numKeys)/duration.Seconds())
}

func benchmarkConcurrentRegisterUnregister() {
	fmt.Println("\n2. Concurrent register/unregister")

	for _, numGoroutines := range []int{1, 2, 4, 8, 16, 32} {
		reg := handlelife.NewRegistry()

		var wg sync.WaitGroup
		const opsPerGoroutine = 5000
		start := time.Now()

		for g := 0; g < numGoroutines; g++ {
			wg.Add(1)
			go func(goroutineID int) {
				defer wg.Done()
				for j := 0; j < opsPerGoroutine; j++ {
					key := handlelife.HandleKey{Class: "bench", ID: uintptr(goroutineID*opsPerGoroutine + j)}
					reg.Register(key, nil, noopDestructor)
					reg.Unregister(key)
				}
			}(g)
		}

		wg.Wait()
		duration := time.Since(start)
		totalOps := numGoroutines * opsPerGoroutine * 2
		fmt.Printf("   %d goroutines: %d ops in %v (%.0f ops/sec)\n",
			numGoroutines, totalOps, duration, float64(totalOps)/duration.Seconds())

		reg.Close()
	}
}

// benchmarkDependencyCascade measures how unregistration latency scales with
// the depth of a dependency chain, since releasing the root handle must
// cascade a release through every handle beneath it.
func benchmarkDependencyCascade() {
	fmt.Println("\n3. Dependency cascade depth")

	for _, depth := range []int{1, 10, 100, 1000} {
		reg := handlelife.NewRegistry()

		var destroyed atomic.Int64
		keys := make([]handlelife.HandleKey, depth)
		for i := 0; i < depth; i++ {
			keys[i] = handlelife.HandleKey{Class: "chain", ID: uintptr(i)}
			reg.Register(keys[i], nil, func(handlelife.HandleKey, any) error {
				destroyed.Add(1)
				return nil
			})
		}
		for i := 0; i < depth-1; i++ {
			if err := reg.AddDependency(keys[i], keys[i+1]); err != nil {
				fmt.Printf("   depth %d: unexpected AddDependency error: %v\n", depth, err)
				reg.Close()
				continue
			}
		}
		// Drop the caller's own reference to every non-root handle, so only
		// the chain's edges keep them alive, and let those releases finish.
		for i := 1; i < depth; i++ {
			reg.Unregister(keys[i])
		}
		for reg.Stats().QueueDepth > 0 {
			time.Sleep(time.Microsecond)
		}

		start := time.Now()
		reg.Unregister(keys[0])
		for destroyed.Load() < int64(depth) {
			time.Sleep(time.Microsecond)
		}
		duration := time.Since(start)
		fmt.Printf("   depth %d: cascaded %d destructions in %v\n", depth, depth, duration)

		reg.Close()
	}
}

func benchmarkMixedWorkload() {
	fmt.Println("\n4. Mixed workload (register, adddep, rmdep, unregister)")

	for _, numGoroutines := range []int{1, 4, 16} {
		reg := handlelife.NewRegistry()

		var wg sync.WaitGroup
		const opsPerGoroutine = 2000
		start := time.Now()

		for g := 0; g < numGoroutines; g++ {
			wg.Add(1)
			go func(goroutineID int) {
				defer wg.Done()
				for j := 0; j < opsPerGoroutine; j++ {
					a := handlelife.HandleKey{Class: "mixed", ID: uintptr(goroutineID*opsPerGoroutine*2 + j*2)}
					b := handlelife.HandleKey{Class: "mixed", ID: uintptr(goroutineID*opsPerGoroutine*2 + j*2 + 1)}
					reg.Register(a, nil, noopDestructor)
					reg.Register(b, nil, noopDestructor)
					reg.AddDependency(a, b)
					reg.RemoveDependency(a, b)
					reg.Unregister(b)
					reg.Unregister(a)
				}
			}(g)
		}

		wg.Wait()
		duration := time.Since(start)
		totalOps := numGoroutines * opsPerGoroutine * 6
		fmt.Printf("   %d goroutines: %d ops in %v (%.0f ops/sec)\n",
			numGoroutines, totalOps, duration, float64(totalOps)/duration.Seconds())

		reg.Close()
	}
}
