package worker

import (
	"sync"
)

type WorkerHandler = func(workerIndex int, job interface{})

// WorkerManager distributes jobs across a fixed pool of goroutines.
// Enqueue jobs, then Close and Wait: the workers drain the channel
// and exit. A manager is single-use; create a new one per batch.
type WorkerManager struct {
	jobChannel     chan interface{}
	numberOfWorker int
	do             WorkerHandler
	waiter         *sync.WaitGroup
	startOnce      sync.Once
	closeOnce      sync.Once
}

func NewWorkerManager(bufferSize, numberOfWorkers int) *WorkerManager {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}
	return &WorkerManager{
		jobChannel:     make(chan interface{}, bufferSize),
		numberOfWorker: numberOfWorkers,
		waiter:         &sync.WaitGroup{},
	}
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

func (w *WorkerManager) GetUnreadCount() int64 {
	return int64(len(w.jobChannel))
}

// Enqueue publishes a job onto the channel. Blocks when the buffer is
// full, which bounds how far producers can run ahead of the pool.
func (w *WorkerManager) Enqueue(val interface{}) {
	w.jobChannel <- val
}

// Start launches the workers. Safe to call once; returns immediately.
func (w *WorkerManager) Start() {
	w.startOnce.Do(func() {
		w.waiter.Add(w.numberOfWorker)
		for i := 0; i < w.numberOfWorker; i++ {
			go func(index int) {
				defer w.waiter.Done()
				for job := range w.jobChannel {
					w.do(index, job)
				}
			}(i)
		}
	})
}

// Close signals that no more jobs will be enqueued.
func (w *WorkerManager) Close() {
	w.closeOnce.Do(func() {
		close(w.jobChannel)
	})
}

// Wait blocks until all enqueued jobs are processed and workers exit.
func (w *WorkerManager) Wait() {
	w.waiter.Wait()
}
