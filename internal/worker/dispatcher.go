package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrDispatcherBusy is returned when the shared job queue is full.
var ErrDispatcherBusy = errors.New("dispatcher queue full")

var errDispatcherStopped = errors.New("dispatcher stopped")

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher feeds admitted jobs to the pool, round robin across users.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	Manager  *Manager

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // LRU queue storing user IDs
	positions map[int64]*list.Element

	quit     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager)
	if queueSize < 1 {
		queueSize = 1
	}
	jobQueue := make(chan Job, queueSize)

	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  jobQueue,
		Manager:   manager,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// warm up the minimum number of workers
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return errDispatcherStopped
	default:
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		// dispatch one job of user in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // force congestion
				d.enqueueJob(job)
			case <-d.quit:
				d.drain()
				return
			}
			continue
		}
		// if we have a new job, enqueue it and its caller user
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		case <-d.quit:
			d.drain()
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.userID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// user already enqueue, skip
		return
	}
	// new user, enqueue
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// dequeue pops the next job of the user in front of the LRU queue.
func (d *Dispatcher) dequeue() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	// get job from the first user
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// user only have one job, it'll be handled, user needs to quit queue
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		// get to the back of queue
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// dispatchOne get first user in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.dequeue()
	if !ok {
		return false
	}
	workerChan := d.pool.acquire()
	if workerChan == nil {
		// pool closed under us; the task still has to finish so its files are released
		d.Manager.abandonTask(job.Task)
		return true
	}
	debugLog(d.Manager.log).
		Int64("user_id", job.userID()).
		Int("worker_id", d.pool.workerID(workerChan)).
		Str("operation", string(job.Task.job.Operation)).
		Msg("assign job")
	workerChan <- job
	return true
}

// drain finishes every queued job as abandoned.
func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
			continue
		default:
		}
		job, ok := d.dequeue()
		if !ok {
			return
		}
		d.Manager.abandonTask(job.Task)
	}
}

// pending returns the number of jobs waiting for a worker.
func (d *Dispatcher) pending() int {
	d.mu.Lock()
	n := 0
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	d.mu.Unlock()
	return n + len(d.JobQueue)
}

// stop ends the run loop, finishes queued jobs and closes the pool.
func (d *Dispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		<-d.done
		d.pool.close()
	})
}
