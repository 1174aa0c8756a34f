// Package pipeline composes the archive, compression, and encryption stream
// transforms into unidirectional byte pipelines.
//
// Every transform implements Stage: it consumes its input stream and produces
// its output stream for exactly one invocation. Run connects the stages
// back-to-back with in-memory pipes; there is no buffering beyond what the
// underlying codecs need, so backpressure propagates across the whole chain.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Stage is a single named stream transform.
type Stage interface {
	// Name identifies the stage in errors and logs.
	Name() string

	// Run consumes r and writes the transformed stream to w. It must return
	// only after the transform is fully flushed or failed.
	Run(ctx context.Context, r io.Reader, w io.Writer) error
}

// StageError reports which stage of a pipeline failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Run executes stages as one pipeline from source to sink.
//
// source may be nil when the first stage produces its own data (e.g. the tar
// packer reading the filesystem); sink may be nil when the last stage consumes
// the stream itself (e.g. the tar extractor). A failure in any stage tears
// down the whole chain: its pipe ends are closed with the error so neighbour
// stages unblock and terminate, and no stage is left running on return.
func Run(ctx context.Context, stages []Stage, source io.Reader, sink io.Writer) error {
	if len(stages) == 0 {
		return errors.New("pipeline requires at least one stage")
	}
	if source == nil {
		source = eofReader{}
	}
	if sink == nil {
		sink = io.Discard
	}

	inputs := make([]io.Reader, len(stages))
	outputs := make([]io.Writer, len(stages))
	inPipes := make([]*io.PipeReader, len(stages))
	outPipes := make([]*io.PipeWriter, len(stages))

	inputs[0] = source
	for i := 0; i < len(stages)-1; i++ {
		pr, pw := io.Pipe()
		outputs[i] = pw
		outPipes[i] = pw
		inputs[i+1] = pr
		inPipes[i+1] = pr
	}
	outputs[len(stages)-1] = sink

	errs := make([]error, len(stages))
	var wg sync.WaitGroup
	for i := range stages {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// The wrapper enforces cancellation even for transforms that
			// never consult ctx between reads.
			err := stages[i].Run(ctx, contextReader{ctx: ctx, r: inputs[i]}, outputs[i])
			errs[i] = err
			// Closing the pipe ends propagates the outcome in both
			// directions: a clean close is EOF downstream, a failure tears
			// the neighbours down with the sentinel so the root cause stays
			// attributable to this stage alone.
			if outPipes[i] != nil {
				if err != nil {
					outPipes[i].CloseWithError(errTeardown)
				} else {
					outPipes[i].Close()
				}
			}
			if inPipes[i] != nil {
				if err != nil {
					inPipes[i].CloseWithError(errTeardown)
				} else {
					inPipes[i].Close()
				}
			}
		}(i)
	}
	wg.Wait()

	return pickError(stages, errs)
}

// errTeardown marks pipe closures caused by a neighbour stage's failure.
var errTeardown = errors.New("pipeline torn down by failed stage")

// pickError selects the root-cause stage failure, preferring errors that are
// not mere teardown echoes of a neighbour's failure.
func pickError(stages []Stage, errs []error) error {
	var fallback error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, errTeardown) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled) {
			if fallback == nil {
				fallback = &StageError{Stage: stages[i].Name(), Err: err}
			}
			continue
		}
		return &StageError{Stage: stages[i].Name(), Err: err}
	}
	return fallback
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// contextReader makes blocking copies cancellable at read granularity.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
