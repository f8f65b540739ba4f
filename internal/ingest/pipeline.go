package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/engramhq/engram/internal/extract"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/service/decisions"
)

// ExtractionPipeline runs each episode of a conversation through the
// decision extractor and writes the results to the graph. One failed
// save does not abort the conversation; the last error is reported with
// the count of decisions that did land.
type ExtractionPipeline struct {
	extractor *extract.Extractor
	writer    *decisions.Service
	logger    *slog.Logger
}

func NewExtractionPipeline(extractor *extract.Extractor, writer *decisions.Service, logger *slog.Logger) *ExtractionPipeline {
	return &ExtractionPipeline{extractor: extractor, writer: writer, logger: logger}
}

// ProcessConversation implements Pipeline.
func (p *ExtractionPipeline) ProcessConversation(ctx context.Context, userID string, conv model.Conversation, episodes []model.Episode) (int, error) {
	saved := 0
	var lastErr error
	for _, ep := range episodes {
		traces, err := p.extractor.Extract(ctx, userID, conv, ep)
		if err != nil {
			return saved, fmt.Errorf("ingest: extract episode: %w", err)
		}
		for i := range traces {
			if _, err := p.writer.Save(ctx, userID, &traces[i]); err != nil {
				p.logger.Error("ingest: save decision failed",
					"source", conv.SourcePath, "error", err)
				lastErr = err
				continue
			}
			saved++
		}
	}
	return saved, lastErr
}
