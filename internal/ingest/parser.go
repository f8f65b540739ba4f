// Package ingest turns append-only JSONL conversation logs into
// structured conversations and episodes, and coordinates background
// import jobs over a logs directory.
package ingest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/engramhq/engram/internal/model"
)

// Lines are skipped, not failed, when malformed; logs in the wild carry
// partial writes and unknown event types.
const maxLineBytes = 10 * 1024 * 1024

// Parser reads line-delimited JSON conversation logs.
type Parser struct {
	logger *slog.Logger
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger}
}

// lineEvent is one JSONL line. Only "message" and "conversation_end"
// are recognized; everything else is skipped.
type lineEvent struct {
	Type      string      `json:"type"`
	Message   *rawMessage `json:"message"`
	Timestamp string      `json:"timestamp"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one typed block of a structured message content list.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// ParseFile reads one log file and returns its conversations plus the
// SHA-256 hex digest of the file bytes (the dedup key).
func (p *Parser) ParseFile(path, projectName string) ([]model.Conversation, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("ingest: read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	convs := p.Parse(bytes.NewReader(data), path, projectName)
	return convs, hex.EncodeToString(sum[:]), nil
}

// Parse scans JSONL from r and groups messages into conversations. A
// conversation_end event flushes the current conversation; EOF flushes
// the last one.
func (p *Parser) Parse(r *bytes.Reader, sourcePath, projectName string) []model.Conversation {
	var (
		convs   []model.Conversation
		current []model.Message
		pending = map[string]*model.ToolCall{}
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		convs = append(convs, model.Conversation{
			ProjectName: projectName,
			SourcePath:  sourcePath,
			Messages:    current,
			IngestedAt:  time.Now().UTC(),
		})
		current = nil
		pending = map[string]*model.ToolCall{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev lineEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			p.logger.Debug("ingest: skipping malformed line",
				"path", sourcePath, "line", lineNo, "error", err)
			continue
		}
		switch ev.Type {
		case "conversation_end":
			flush()
		case "message":
			if ev.Message == nil {
				continue
			}
			msg, results := p.parseMessage(ev, len(current))
			p.attachResults(results, &msg, pending)
			for i := range msg.ToolCalls {
				tc := &msg.ToolCalls[i]
				if tc.CorrelationID != "" && tc.Result == "" {
					pending[tc.CorrelationID] = tc
				}
			}
			current = append(current, msg)
		default:
			// Unrecognized event type.
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("ingest: scan aborted", "path", sourcePath, "error", err)
	}
	flush()
	return convs
}

// toolResult is a tool_result block lifted out of message content.
type toolResult struct {
	correlationID string
	text          string
}

// parseMessage converts one message event. Content is either a plain
// string or a list of typed blocks; tool_result blocks are returned
// separately for correlation.
func (p *Parser) parseMessage(ev lineEvent, turnIndex int) (model.Message, []toolResult) {
	msg := model.Message{
		Role:      model.Role(ev.Message.Role),
		TurnIndex: turnIndex,
	}
	if ts, err := time.Parse(time.RFC3339, ev.Timestamp); err == nil {
		msg.Timestamp = ts
	}

	var asString string
	if err := json.Unmarshal(ev.Message.Content, &asString); err == nil {
		msg.Content = asString
		return msg, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(ev.Message.Content, &blocks); err != nil {
		p.logger.Debug("ingest: unrecognized message content", "turn", turnIndex)
		return msg, nil
	}

	var (
		texts    []string
		thinking []string
		results  []toolResult
	)
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "thinking":
			if b.Thinking != "" {
				thinking = append(thinking, b.Thinking)
			} else if b.Text != "" {
				thinking = append(thinking, b.Text)
			}
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				Name:          b.Name,
				Input:         b.Input,
				CorrelationID: b.ID,
			})
		case "tool_result":
			results = append(results, toolResult{
				correlationID: b.ToolUseID,
				text:          flattenResultContent(b.Content),
			})
		}
	}
	msg.Content = strings.Join(texts, "\n")
	msg.Thinking = strings.Join(thinking, "\n")
	return msg, results
}

// attachResults matches tool_result blocks to their originating tool
// calls: first the current message (same-turn tools), then the pending
// map fed by earlier assistant turns. Unmatched results are discarded.
func (p *Parser) attachResults(results []toolResult, msg *model.Message, pending map[string]*model.ToolCall) {
	for _, res := range results {
		if res.correlationID == "" {
			continue
		}
		matched := false
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].CorrelationID == res.correlationID {
				msg.ToolCalls[i].Result = res.text
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if tc, ok := pending[res.correlationID]; ok {
			tc.Result = res.text
			delete(pending, res.correlationID)
			continue
		}
		p.logger.Debug("ingest: dropping unmatched tool result",
			"correlation_id", res.correlationID)
	}
}

// flattenResultContent extracts text from a tool_result payload, which
// is either a string or a list of text blocks.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
