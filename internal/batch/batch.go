// Package batch runs the redaction engine over many photos with a pool of
// engine workers that share one read-only reference set.
package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/redact"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

// Job is one photo to redact.
type Job struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

type Status string

const (
	StatusRedacted Status = "redacted"
	StatusFailed   Status = "failed"
)

// JobResult is the outcome of one Job.
type JobResult struct {
	Job      Job
	Status   Status
	Err      error
	Blurred  int
	Duration time.Duration
}

// Code returns the error code of a failed job, or "" on success.
func (r JobResult) Code() errs.Code {
	return errs.CodeOf(r.Err)
}

// Report holds every job result in submission order.
type Report struct {
	RunID     string
	Results   []JobResult
	Succeeded int
	Failed    int
}

func newReport(runID string, jobs []Job) *Report {
	r := &Report{RunID: runID, Results: make([]JobResult, len(jobs))}
	for i, j := range jobs {
		r.Results[i].Job = j
	}
	return r
}

func (r *Report) tally() {
	r.Succeeded, r.Failed = 0, 0
	for _, res := range r.Results {
		if res.Status == StatusRedacted {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
}

func (r *Report) failAll(err error) {
	for i := range r.Results {
		r.Results[i].Status = StatusFailed
		r.Results[i].Err = err
	}
	r.tally()
}

// Options configures a Coordinator.
type Options struct {
	Workers  int
	Redact   redact.Config
	Progress io.Writer // progress bar destination; nil disables the bar
}

// Coordinator owns the worker pool. Each worker starts its own engine through
// the factory since engines are not safe for concurrent inference.
type Coordinator struct {
	factory engine.Factory
	opts    Options
	logger  *slog.Logger
}

func New(factory engine.Factory, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Coordinator{factory: factory, opts: opts, logger: logging.OrDefault(logger)}
}

// Run builds the reference set from the first face in referenceImage and then
// redacts every job. When the reference image shows no face every job fails
// with CodeNoReferenceFace and no worker is started.
func (c *Coordinator) Run(ctx context.Context, referenceImage string, jobs []Job) (*Report, error) {
	ref, err := c.referenceFromImage(ctx, referenceImage)
	if err != nil {
		report := newReport(uuid.NewString(), jobs)
		report.failAll(err)
		c.logger.Error("reference image unusable, batch aborted", "run_id", report.RunID, "reference", referenceImage, logging.Err(err))
		return report, err
	}
	return c.RunWithReferenceSet(ctx, ref, jobs)
}

func (c *Coordinator) referenceFromImage(ctx context.Context, path string) (types.ReferenceSet, error) {
	eng, err := c.factory(ctx, 0)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeEngineStartFailure, "failed to start reference engine")
	}
	defer eng.Close()
	return ReferenceFromImage(ctx, eng, path, c.opts.Redact.MaxImageSize)
}

// ReferenceFromImage embeds the first face found in the photo at path.
func ReferenceFromImage(ctx context.Context, loc engine.Locator, path string, maxSize int) (types.ReferenceSet, error) {
	pic, err := imaging.Load(path)
	if err != nil {
		return nil, err
	}
	faces, err := loc.Locate(ctx, imaging.Downscale(pic.Img, maxSize))
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, errs.New(errs.CodeNoReferenceFace, "no face found in the reference image", errs.FieldPath(path))
	}
	return types.ReferenceSet{faces[0].Embedding}, nil
}

// RunWithReferenceSet redacts every job against ref. Per-image failures are
// recorded in the report; only an engine that cannot start during warm-up
// aborts the batch.
func (c *Coordinator) RunWithReferenceSet(ctx context.Context, ref types.ReferenceSet, jobs []Job) (*Report, error) {
	report := newReport(uuid.NewString(), jobs)
	log := c.logger.With("run_id", report.RunID)
	if len(jobs) == 0 {
		return report, nil
	}
	if len(ref) == 0 {
		err := errs.New(errs.CodeReferenceSetEmpty, "reference set is empty")
		report.failAll(err)
		return report, err
	}

	// Cancelling on return kills every child engine still running.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	numWorkers := min(c.opts.Workers, len(jobs))
	taskChan := make(chan int)
	resultsChan := make(chan indexedResult, numWorkers)
	errChan := make(chan error, numWorkers)
	readyChan := make(chan struct{}, numWorkers)
	workersDone := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id, ref, jobs, log, taskChan, resultsChan, readyChan, errChan)
		}(i + 1)
	}
	go func() {
		wg.Wait()
		close(workersDone)
		close(resultsChan)
	}()

	log.Info("warming up engines", "workers", numWorkers, "jobs", len(jobs))
	for i := 0; i < numWorkers; i++ {
		select {
		case <-readyChan:
		case err := <-errChan:
			cancel()
			close(taskChan)
			<-workersDone
			report.failAll(err)
			return report, err
		case <-ctx.Done():
			close(taskChan)
			<-workersDone
			report.failAll(ctx.Err())
			return report, ctx.Err()
		}
	}

	go func() {
		defer close(taskChan)
		for i := range jobs {
			select {
			case taskChan <- i:
			case <-ctx.Done():
				return
			case <-workersDone:
				return
			}
		}
	}()

	bar := c.newBar(len(jobs))
	done := make([]bool, len(jobs))
	for res := range resultsChan {
		report.Results[res.index] = res.JobResult
		done[res.index] = true
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	// Jobs never picked up: the batch was cancelled or every worker retired.
	for i, ok := range done {
		if ok {
			continue
		}
		err := ctx.Err()
		if err == nil {
			err = errs.New(errs.CodeEngineTransport, "job not processed: no engine worker left", errs.FieldPath(jobs[i].Input))
		}
		report.Results[i].Status = StatusFailed
		report.Results[i].Err = err
	}

	report.tally()
	log.Info("batch finished", "succeeded", report.Succeeded, "failed", report.Failed)
	return report, nil
}

func (c *Coordinator) newBar(total int) *progressbar.ProgressBar {
	if c.opts.Progress == nil {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Redacting"),
		progressbar.OptionSetWriter(c.opts.Progress),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

type indexedResult struct {
	index int
	JobResult
}

// worker owns one engine for its whole life. A transport failure restarts the
// engine; if the restart fails the worker retires and its siblings carry on.
func (c *Coordinator) worker(ctx context.Context, id int, ref types.ReferenceSet, jobs []Job, log *slog.Logger,
	tasks <-chan int, results chan<- indexedResult, ready chan<- struct{}, errChan chan<- error) {
	log = log.With("worker", id)

	eng, err := c.factory(ctx, id)
	if err != nil {
		select {
		case errChan <- errs.Wrap(err, errs.CodeEngineStartFailure, "engine worker failed to start", errs.Field("worker", id)):
		default:
		}
		return
	}
	defer func() {
		if eng != nil {
			eng.Close()
		}
	}()
	ready <- struct{}{}

	rd := redact.New(c.opts.Redact, eng, log)
	for idx := range tasks {
		res := c.process(ctx, rd, ref, jobs[idx], log)
		select {
		case results <- indexedResult{index: idx, JobResult: res}:
		case <-ctx.Done():
			return
		}

		if !errs.HasCode(res.Err, errs.CodeEngineTransport) {
			continue
		}
		log.Warn("engine connection lost, restarting", logging.Err(res.Err))
		eng.Close()
		eng, err = c.factory(ctx, id)
		if err != nil {
			log.Error("engine restart failed, worker retiring", logging.Err(err))
			eng = nil
			return
		}
		rd = redact.New(c.opts.Redact, eng, log)
	}
}

func (c *Coordinator) process(ctx context.Context, rd *redact.Engine, ref types.ReferenceSet, job Job, log *slog.Logger) JobResult {
	start := time.Now()
	res := JobResult{Job: job, Status: StatusFailed}

	err := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		pic, err := imaging.Load(job.Input)
		if err != nil {
			return err
		}
		out, err := rd.Process(ctx, pic.Img, ref)
		if err != nil {
			return errs.With(err, errs.FieldPath(job.Input))
		}
		if err := imaging.Save(job.Output, out.Image, pic.Format); err != nil {
			return err
		}
		res.Blurred = len(out.Blurred)
		return nil
	}()
	res.Duration = time.Since(start)

	if err != nil {
		res.Err = err
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		log.Log(ctx, level, "image failed", "input", job.Input, logging.Err(err))
		return res
	}

	res.Status = StatusRedacted
	log.Info("image redacted", "input", job.Input, "output", job.Output, "blurred", res.Blurred, "duration", res.Duration)
	return res
}
