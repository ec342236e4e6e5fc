// Package scanctrl manages BLE scan duty-cycling (spec §5
// "ScanController", scenario S6): multiple callers can each request a
// scan window/interval pair, and the controller picks the single
// most-demanding duty cycle the radio should actually run, the same
// job-table-plus-arbitration shape as internal/advctrl but for the radio's
// receive side.
package scanctrl

import "errors"

// JobId identifies a scan request for later RemoveJob calls.
type JobId uint8

// TimeMode is spec §3's ScanJob.timeMode: a job either runs until explicitly
// removed, or retires itself once its budget of deciseconds elapses.
type TimeMode uint8

const (
	TimeModeEndless TimeMode = iota
	TimeModeTimed
)

// Job is one scan duty-cycle request: windowDs of active scanning out of
// every intervalDs, deciseconds throughout to match this core's timebase.
// TimeLeftDs is only meaningful when TimeMode is TimeModeTimed (spec §3
// "ScanJob"); TimerHandler decrements it and retires the job at zero (spec
// §4.2's algorithm).
type Job struct {
	Id         JobId
	WindowDs   uint16
	IntervalDs uint16
	TimeMode   TimeMode
	TimeLeftDs uint16
}

var ErrJobNotFound = errors.New("scanctrl: no such scan job")

// RadioControl is the narrow slice of the radio this controller drives.
type RadioControl interface {
	SetScanDutyCycle(windowDs, intervalDs uint16)
	EnableScanning()
	DisableScanning()
}

// Controller arbitrates between every currently-registered scan job and
// programs the radio with the single most aggressive duty cycle needed to
// satisfy all of them (smallest interval, largest window), since a single
// physical radio can only run one scan configuration at a time.
type Controller struct {
	jobs   []Job
	nextId JobId
	radio  RadioControl

	programmedWindow, programmedInterval uint16
}

func NewController(radio RadioControl) *Controller {
	return &Controller{radio: radio}
}

// AddJob registers a new endless scan request (spec §3's timeMode=endless)
// and reprograms the radio if this request requires a more aggressive duty
// cycle than what is currently running.
func (c *Controller) AddJob(windowDs, intervalDs uint16) JobId {
	return c.addJob(Job{WindowDs: windowDs, IntervalDs: intervalDs, TimeMode: TimeModeEndless})
}

// AddTimedJob registers a scan request that retires itself once durationDs
// deciseconds have elapsed (spec §3's timeMode=timed, §4.2's "retire a job
// when it reaches zero"), without anyone needing to call RemoveJob.
func (c *Controller) AddTimedJob(windowDs, intervalDs, durationDs uint16) JobId {
	return c.addJob(Job{WindowDs: windowDs, IntervalDs: intervalDs, TimeMode: TimeModeTimed, TimeLeftDs: durationDs})
}

func (c *Controller) addJob(job Job) JobId {
	c.nextId++
	job.Id = c.nextId
	c.jobs = append(c.jobs, job)
	c.reprogram()
	return job.Id
}

// RemoveJob deregisters a scan request and relaxes the radio's duty cycle
// if no remaining job needs the current configuration.
func (c *Controller) RemoveJob(id JobId) error {
	for i, job := range c.jobs {
		if job.Id != id {
			continue
		}
		c.jobs = append(c.jobs[:i], c.jobs[i+1:]...)
		c.reprogram()
		return nil
	}
	return ErrJobNotFound
}

// GetJob returns the job with the given id, if any.
func (c *Controller) GetJob(id JobId) (Job, bool) {
	for _, job := range c.jobs {
		if job.Id == id {
			return job, true
		}
	}
	return Job{}, false
}

// GetAmountOfJobs reports how many scan jobs are currently registered.
func (c *Controller) GetAmountOfJobs() int {
	return len(c.jobs)
}

// TimerHandler advances every timed job's remaining budget by passedTimeDs
// and retires any that reach zero (spec §4.2: "on every tick, decrement
// timeLeftDs for timed jobs; retire a job when it reaches zero"), then
// reprograms the radio if retirement changed which duty cycle wins.
// Endless jobs are untouched: a scan duty cycle otherwise doesn't change on
// its own between ticks.
func (c *Controller) TimerHandler(passedTimeDs uint16) {
	changed := false
	kept := c.jobs[:0]
	for _, job := range c.jobs {
		if job.TimeMode == TimeModeTimed {
			if passedTimeDs >= job.TimeLeftDs {
				changed = true
				continue
			}
			job.TimeLeftDs -= passedTimeDs
		}
		kept = append(kept, job)
	}
	c.jobs = kept
	if changed {
		c.reprogram()
	}
}

func (c *Controller) reprogram() {
	if len(c.jobs) == 0 {
		c.programmedWindow, c.programmedInterval = 0, 0
		c.radio.DisableScanning()
		return
	}

	window, interval := c.jobs[0].WindowDs, c.jobs[0].IntervalDs
	for _, job := range c.jobs[1:] {
		if job.IntervalDs < interval {
			interval = job.IntervalDs
		}
		if job.WindowDs > window {
			window = job.WindowDs
		}
	}
	if window == c.programmedWindow && interval == c.programmedInterval {
		return
	}
	c.programmedWindow, c.programmedInterval = window, interval
	c.radio.SetScanDutyCycle(window, interval)
	c.radio.EnableScanning()
}
