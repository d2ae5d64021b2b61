package controller

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by Offer when no slot is free.
var ErrQueueFull = errors.New("command queue full")

// Job is a request waiting for the tick loop.
type Job struct {
	Request Request
	reply   chan error
}

// Queue hands requests from HTTP and MQTT goroutines to the tick loop, which
// is the only goroutine allowed to call controller entry points.
type Queue struct {
	jobs   chan Job
	cancel func()
}

// NewQueue creates a queue with size slots. cancel is called directly from
// the submitting goroutine for cancel requests so a motor run that is
// blocking the loop stops at its next poll.
func NewQueue(size int, cancel func()) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{jobs: make(chan Job, size), cancel: cancel}
}

// Jobs is drained by the tick loop.
func (q *Queue) Jobs() <-chan Job {
	return q.jobs
}

// Submit enqueues r and waits for its result or for ctx to end.
func (q *Queue) Submit(ctx context.Context, r Request) error {
	q.interrupt(r)
	j := Job{Request: r, reply: make(chan error, 1)}
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer enqueues r without waiting for the result.
func (q *Queue) Offer(r Request) error {
	q.interrupt(r)
	select {
	case q.jobs <- Job{Request: r}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) interrupt(r Request) {
	if r.Command == CmdCancelTraining && q.cancel != nil {
		q.cancel()
	}
}

// Run executes j and reports the result to its submitter, if any.
func (c *Controller) Run(j Job, now time.Time) error {
	err := c.Execute(j.Request, now)
	if j.reply != nil {
		j.reply <- err
	}
	if err != nil {
		c.log.Infow("command rejected", "command", string(j.Request.Command), "err", err)
	}
	return err
}
