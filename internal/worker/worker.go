package worker

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{id: id, pool: pool, jobChannel: make(chan Job)}
}

func (w *Worker) Start() {
	go func() {
		if !w.pool.Release(w.jobChannel) {
			w.pool.retire(w.jobChannel)
			return
		}
		for job := range w.jobChannel {
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.execute(job)
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"job":     job.Kind,
				"user_id": job.Owner,
				"panic":   r,
			}).Error("job panicked\n" + string(debug.Stack()))
		}
	}()
	job.Run()
}
