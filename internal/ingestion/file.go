package ingestion

import (
	"CopyGuard/internal/pipeline"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

const maxLineBytes = 1 << 20

// FileSummary counts what happened to a JSON-lines batch.
type FileSummary struct {
	Lines     int
	Malformed int
	Processed int
	Failed    int
	ByStage   map[string]int
}

// ReadFile submits a JSON-lines stream of intents in order, one at a time.
// Blank lines and lines starting with # are skipped. Malformed lines are
// counted and skipped; infrastructure errors stop the batch.
func ReadFile(ctx context.Context, r io.Reader, proc Processor, logger zerolog.Logger) (FileSummary, error) {
	ctx = pipeline.WithSource(ctx, "file")
	sum := FileSummary{ByStage: make(map[string]int)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		sum.Lines++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		in, err := ParseIntent(line)
		if err != nil {
			sum.Malformed++
			logger.Warn().Err(err).Int("line", sum.Lines).Msg("skipping malformed line")
			continue
		}

		out, err := proc.Process(ctx, in)
		sum.ByStage[out.Stage.String()]++
		if err != nil {
			sum.Failed++
			return sum, fmt.Errorf("line %d intent %s: %w", sum.Lines, in.ID(), err)
		}
		sum.Processed++
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("read intents: %w", err)
	}
	return sum, nil
}
