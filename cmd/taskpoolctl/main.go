// Command taskpoolctl is a small diagnostic harness for the taskpool
// runtime: it spawns a pool, submits a scripted command buffer, and prints
// its completion status and metrics snapshot.
//
// Run with: go run ./cmd/taskpoolctl
package main

import (
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/fimoengine/taskpool"
)

func main() {
	workers := flag.Int("workers", 0, "worker count (0 = NumCPU)")
	batch := flag.Int("batch", 10, "tasks spawned by the demo buffer")
	flag.Parse()

	rt := taskpool.NewRuntime()
	pool, err := rt.SpawnPool(taskpool.Config{
		WorkerCount: *workers,
		Label:       "taskpoolctl-demo",
		IsPublic:    true,
		Stacks: []taskpool.StackClassConfig{
			{Size: taskpool.DefaultStackSize, Preallocated: 2, Hot: 2, Cold: 0, MaxAllocated: 64, IsDefault: true},
		},
	})
	if err != nil {
		log.Fatalf("spawn pool: %v", err)
	}
	defer pool.Close()

	var counter atomic.Int64
	handle, err := pool.Submit([]taskpool.Entry{
		taskpool.WithSetAbortOnError(true),
		taskpool.WithEnqueueTask(func(tc *taskpool.TaskContext) {
			counter.Add(1)
			tc.Yield()
		}, *batch),
		taskpool.WithWaitOnBarrier(),
	})
	if err != nil {
		log.Fatalf("submit: %v", err)
	}

	status := handle.WaitOn()
	time.Sleep(10 * time.Millisecond) // let metrics settle before printing
	m := pool.Metrics()

	fmt.Printf("status=%v counter=%d completions=%d tps=%.1f p50=%v p99=%v\n",
		status, counter.Load(), m.CompletionsTotal, m.TPS, m.LatencyP50, m.LatencyP99)
}
