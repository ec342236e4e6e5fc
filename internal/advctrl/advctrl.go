// Package advctrl schedules outgoing BLE advertisements across at most
// three concurrent jobs (spec §5 "AdvertisingController"), mirroring the
// original firmware's fixed-size advertising job table. Unlike the
// teacher's goroutine-and-ticker-driven RetryService
// (internal/service/retry.go), this controller never spawns a goroutine or
// touches a real clock: it is advanced exclusively by TimerHandler calls
// from the single-threaded composition-root event loop, the cooperative
// concurrency model spec §9 requires throughout the core.
package advctrl

import (
	"errors"
)

// MaxJobs bounds the number of advertising jobs the SoftDevice-equivalent
// radio can interleave at once.
const MaxJobs = 3

// JobId identifies a job for later RefreshJob/RemoveJob calls. Zero is
// never assigned.
type JobId uint8

// JobType distinguishes a job's priority/semantics the same way the
// original firmware does: periodic JOIN_ME advertising vs. a one-shot
// immediate advertisement needed for an in-progress handshake step.
type JobType uint8

const (
	JobTypeScheduled JobType = iota
	JobTypeImmediate
)

// Job is one scheduled advertisement: a payload, an interval expressed in
// deciseconds (matching the rest of this core's timebase), and bookkeeping
// for when it last fired.
type Job struct {
	Id         JobId
	Type       JobType
	Payload    []byte
	IntervalDs uint16

	elapsedDs uint16
}

var ErrJobTableFull = errors.New("advctrl: advertising job table is full")
var ErrJobNotFound = errors.New("advctrl: no such advertising job")

// Controller owns the job table and, each tick, decides which single job
// (if any) should currently be on the air — real BLE hardware can only
// advertise one payload at a time, so jobs rotate rather than run
// concurrently, same as the original AdvertisingController's round-robin.
type Controller struct {
	jobs   []*Job
	nextId JobId

	active *Job

	radio RadioControl
}

// RadioControl is the subset of ble.GapAdapter this controller drives; a
// narrow interface keeps advctrl free of any BLE contract dependency
// beyond what it actually calls, matching spec §9's emphasis on small
// consumer-defined interfaces over a god adapter type.
type RadioControl interface {
	SetAdvertisingPayload(payload []byte)
	EnableAdvertising()
	DisableAdvertising()
}

func NewController(radio RadioControl) *Controller {
	return &Controller{radio: radio}
}

// AddJob installs a new scheduled job and returns its id. Immediate jobs
// preempt whatever is currently active and fire on the very next
// TimerHandler tick.
func (c *Controller) AddJob(jobType JobType, payload []byte, intervalDs uint16) (JobId, error) {
	if len(c.jobs) >= MaxJobs {
		return 0, ErrJobTableFull
	}
	c.nextId++
	job := &Job{
		Id:         c.nextId,
		Type:       jobType,
		Payload:    append([]byte(nil), payload...),
		IntervalDs: intervalDs,
	}
	c.jobs = append(c.jobs, job)
	if jobType == JobTypeImmediate {
		job.elapsedDs = intervalDs
	}
	return job.Id, nil
}

// RefreshJob replaces a job's payload in place, e.g. when a node's JOIN_ME
// cluster-size field changes and must be re-broadcast without reassigning
// a new job id.
func (c *Controller) RefreshJob(id JobId, payload []byte) error {
	job := c.find(id)
	if job == nil {
		return ErrJobNotFound
	}
	job.Payload = append([]byte(nil), payload...)
	if c.active == job {
		c.radio.SetAdvertisingPayload(job.Payload)
	}
	return nil
}

// RemoveJob deletes a job; if it was currently on the air, advertising is
// disabled until the next tick picks a replacement.
func (c *Controller) RemoveJob(id JobId) error {
	for i, job := range c.jobs {
		if job.Id != id {
			continue
		}
		c.jobs = append(c.jobs[:i], c.jobs[i+1:]...)
		if c.active == job {
			c.active = nil
			c.radio.DisableAdvertising()
		}
		return nil
	}
	return ErrJobNotFound
}

func (c *Controller) find(id JobId) *Job {
	for _, job := range c.jobs {
		if job.Id == id {
			return job
		}
	}
	return nil
}

// JobCount reports how many jobs are currently scheduled.
func (c *Controller) JobCount() int {
	return len(c.jobs)
}

// TimerHandler advances every job's elapsed time by passedTimeDs and
// decides which job (if any) should be advertising now: an immediate job
// due to fire always wins; otherwise the scheduled job whose interval has
// elapsed and has waited longest is selected, round-robin across ties.
func (c *Controller) TimerHandler(passedTimeDs uint16) {
	var due []*Job
	for _, job := range c.jobs {
		job.elapsedDs += passedTimeDs
		if job.elapsedDs >= job.IntervalDs {
			due = append(due, job)
		}
	}
	if len(due) == 0 {
		return
	}

	next := due[0]
	for _, job := range due[1:] {
		if job.Type == JobTypeImmediate && next.Type != JobTypeImmediate {
			next = job
			continue
		}
		if job.Type == next.Type && job.elapsedDs > next.elapsedDs {
			next = job
		}
	}

	next.elapsedDs = 0
	if next.Type == JobTypeImmediate {
		c.removeById(next.Id)
		c.active = nil
		c.radio.SetAdvertisingPayload(next.Payload)
		c.radio.EnableAdvertising()
		return
	}

	if c.active == next {
		return
	}
	c.active = next
	c.radio.SetAdvertisingPayload(next.Payload)
	c.radio.EnableAdvertising()
}

func (c *Controller) removeById(id JobId) {
	for i, job := range c.jobs {
		if job.Id == id {
			c.jobs = append(c.jobs[:i], c.jobs[i+1:]...)
			return
		}
	}
}

// Active reports the job id currently on the air, or zero if none. A
// one-shot immediate job is removed from the table as soon as it fires, so
// it is never reported here.
func (c *Controller) Active() JobId {
	if c.active == nil {
		return 0
	}
	return c.active.Id
}
