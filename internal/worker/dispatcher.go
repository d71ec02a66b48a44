package worker

import (
	"container/list"
	"sync"
	"time"

	"readaloud/internal/metrics"

	"github.com/sirupsen/logrus"
)

type ownerQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake for outside jobs

	mu        sync.Mutex
	queues    map[string]*ownerQueue // pending jobs per owner
	ready     *list.List             // owners with pending jobs, least recently served first
	positions map[string]*list.Element

	quit     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if minWorkers <= 0 {
		minWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	quit := make(chan struct{})
	d := &Dispatcher{
		queues:    make(map[string]*ownerQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout, quit),
		JobQueue:  make(chan Job, queueSize),
		quit:      quit,
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return nil
	}
	select {
	case <-d.quit:
		return ErrStopped
	default:
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops dispatching. Jobs already handed to workers finish; queued
// ones are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.quit) })
}

func (d *Dispatcher) run() {
	for {
		d.drain()
		// serve the owner at the front of the LRU list
		if d.dispatchOne() {
			continue
		}
		select {
		case job := <-d.JobQueue: // nothing pending, wait for work
			d.enqueueJob(job)
		case <-d.quit:
			return
		}
	}
}

// drain moves every job already waiting in JobQueue into the owner queues.
func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
			return
		}
	}
}

// CancelOwner drops every job the owner still has queued.
func (d *Dispatcher) CancelOwner(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queues, owner)
	if elem, ok := d.positions[owner]; ok {
		d.ready.Remove(elem)
		delete(d.positions, owner)
	}
}

// Pending reports how many jobs the owner has queued.
func (d *Dispatcher) Pending(owner string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[owner]; q != nil {
		return len(q.jobs)
	}
	return 0
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Owner]
	if q == nil {
		q = &ownerQueue{}
		d.queues[job.Owner] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Owner] = d.ready.PushBack(job.Owner)
}

// dispatchOne hands the front owner's oldest job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	owner := elem.Value.(string)
	q := d.queues[owner]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job for this owner, leave the rotation
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, owner)
		delete(d.queues, owner)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"job":     job.Kind,
		"user_id": owner,
		"worker":  d.pool.workerID(workerChan),
	}).Debug("dispatch job")
	metrics.JobDispatched(job.Kind)
	workerChan <- job
	return true
}
