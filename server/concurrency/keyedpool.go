/******************************************************************************
 *
 *  Description :
 *    A pool of goroutines where tasks with the same key run sequentially.
 *
 *****************************************************************************/
package concurrency

import (
	"hash/fnv"
	"sync"
)

// Task represents a work task to be run on the specified pool.
type Task func()

// KeyedPool runs tasks on a fixed number of lanes. Each lane is served by one goroutine,
// tasks with equal keys always land on the same lane and therefore run in the order of
// scheduling. Tasks with different keys may run concurrently.
type KeyedPool struct {
	lanes []chan Task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewKeyedPool allocates a new pool with `numLanes` goroutines, each with a queue
// of `queueLen` pending tasks.
func NewKeyedPool(numLanes, queueLen int) *KeyedPool {
	if numLanes <= 0 {
		numLanes = 1
	}
	if queueLen < 0 {
		queueLen = 0
	}
	p := &KeyedPool{lanes: make([]chan Task, numLanes)}
	for i := range p.lanes {
		p.lanes[i] = make(chan Task, queueLen)
		p.wg.Add(1)
		go p.worker(p.lanes[i])
	}
	return p
}

func (p *KeyedPool) lane(key string) chan Task {
	if len(p.lanes) == 1 {
		return p.lanes[0]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.lanes[h.Sum32()%uint32(len(p.lanes))]
}

// Schedule enqueues a closure to run on the lane of the given key. It blocks while the lane's
// queue is full. Returns false if the pool is stopped.
func (p *KeyedPool) Schedule(key string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}
	p.lane(key) <- task
	return true
}

// Run schedules the task and waits for it to complete.
func (p *KeyedPool) Run(key string, task Task) bool {
	done := make(chan struct{})
	if !p.Schedule(key, func() {
		defer close(done)
		task()
	}) {
		return false
	}
	<-done
	return true
}

// Stop lets all lanes drain pending tasks, then terminates the goroutines.
// Calls to Schedule after Stop are rejected.
func (p *KeyedPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Pool worker goroutine.
func (p *KeyedPool) worker(lane chan Task) {
	defer p.wg.Done()
	for task := range lane {
		task()
	}
}
