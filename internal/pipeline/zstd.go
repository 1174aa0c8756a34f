package pipeline

import (
	"context"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompress returns a compression stage. threads <= 0 uses one goroutine
// per CPU; the parallelism stays internal to the codec and is invisible to
// the rest of the pipeline.
func ZstdCompress(level, threads int) Stage {
	return &zstdCompress{level: level, threads: threads}
}

type zstdCompress struct {
	level   int
	threads int
}

func (z *zstdCompress) Name() string { return "zstd" }

func (z *zstdCompress) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	opts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(z.level)),
	}
	if z.threads > 0 {
		opts = append(opts, zstd.WithEncoderConcurrency(z.threads))
	}
	enc, err := zstd.NewWriter(w, opts...)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, contextReader{ctx: ctx, r: r}); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ZstdDecompress returns the matching decompression stage.
func ZstdDecompress() Stage {
	return &zstdDecompress{}
}

type zstdDecompress struct{}

func (z *zstdDecompress) Name() string { return "unzstd" }

func (z *zstdDecompress) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	dec, err := zstd.NewReader(contextReader{ctx: ctx, r: r})
	if err != nil {
		return err
	}
	defer dec.Close()
	_, err = io.Copy(w, dec)
	return err
}
