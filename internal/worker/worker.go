package worker

import (
	"context"

	"pdfbot/internal/service/dispatch"
)

// JobType tells a pool worker what to do with a Job.
type JobType string

const (
	Run  JobType = "run"
	Stop JobType = "stop"
)

// Job is the unit handed from the fair queue to a pool worker.
type Job struct {
	Type JobType
	Task *dispatchTask
}

// dispatchTask is one admitted operation of a user.
type dispatchTask struct {
	ctx        context.Context
	job        dispatch.Job
	generation uint64
	owner      *userState
}

func (job Job) userID() int64 {
	if job.Task == nil {
		return 0
	}
	return job.Task.job.UserID
}

type Worker struct {
	id         int
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			switch job.Type {
			case Stop:
				return
			case Run:
				w.manager.runTask(job.Task)
			}
		}
	}()
}
