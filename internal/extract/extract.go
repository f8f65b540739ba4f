// Package extract turns conversation episodes into validated,
// confidence-calibrated decision traces via a cached LLM pipeline with
// gleaning, targeted retry, and a concurrent verify pass.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/model"
)

// Config tunes the extraction pipeline.
type Config struct {
	// HighConfidenceThreshold: decisions whose pre-calibration score is
	// below this get a verify pass.
	HighConfidenceThreshold float64
	// MinConfidence is the validation-gate floor on the calibrated score.
	MinConfidence float64
	// ContextLimit is the provider's context window; prompts budget to
	// 85% of it (or MaxPromptTokens, whichever is lower).
	ContextLimit    int
	MaxPromptTokens int

	CalibrationMethod      string
	CalibrationTemperature float64

	PromptVersion string
}

// Extractor runs the decision-extraction pipeline for one episode at a
// time. Safe for concurrent use.
type Extractor struct {
	infra  *llm.Infra
	cfg    Config
	logger *slog.Logger
}

func New(infra *llm.Infra, cfg Config, logger *slog.Logger) *Extractor {
	if cfg.HighConfidenceThreshold <= 0 {
		cfg.HighConfidenceThreshold = 0.85
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.3
	}
	return &Extractor{infra: infra, cfg: cfg, logger: logger}
}

// rawDecision is the wire shape the model returns, before validation
// and conversion to a DecisionTrace.
type rawDecision struct {
	Trigger           string   `json:"trigger"`
	Context           string   `json:"context"`
	Options           []string `json:"options"`
	Decision          string   `json:"decision"`
	Rationale         string   `json:"rationale"`
	Confidence        float64  `json:"confidence"`
	Scope             string   `json:"scope"`
	Assumptions       []string `json:"assumptions"`
	VerbatimTrigger   string   `json:"verbatim_trigger"`
	VerbatimDecision  string   `json:"verbatim_decision"`
	VerbatimRationale string   `json:"verbatim_rationale"`
	TurnIndex         *int     `json:"turn_index"`

	verifyRejected bool
}

const (
	coreTemperature    = 0.3
	classifyPrefixLen  = 2000
	verifyExcerptLen   = 4000
	gleanExcerptLen    = 4000
	completenessFloor  = 0.6
	retryMinConfidence = 0.4
)

// Extract runs the full pipeline for one episode and returns validated
// decision traces. LLM connection failures and parse errors yield an
// empty result, never an error that stops ingestion.
func (e *Extractor) Extract(ctx context.Context, userID string, conv model.Conversation, ep model.Episode) ([]model.DecisionTrace, error) {
	text, truncatedFrom := e.budget(ep)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	dtype := e.classify(ctx, userID, text)
	callType := "extract:" + string(dtype)

	var raws []rawDecision
	var modelName string
	fromCache := false
	if cached, ok := e.infra.Cache().Get(ctx, callType, text); ok {
		if err := json.Unmarshal([]byte(cached), &raws); err == nil {
			fromCache = true
		}
	}

	if !fromCache {
		resp, err := e.infra.Generate(ctx, llm.Request{
			System:      extractionSystemPrompt(dtype),
			Prompt:      text,
			Temperature: coreTemperature,
			UserID:      userID,
		})
		if err != nil {
			e.logger.Warn("extract: llm call failed", "error", err)
			return nil, nil
		}
		if err := DecodeObjectList(resp.Text, &raws); err != nil {
			e.logger.Warn("extract: unparseable model output", "error", err)
			return nil, nil
		}
		modelName = resp.Model
		applyDefaults(raws)
		raws = e.glean(ctx, userID, text, raws)
		// Cached entries already passed verification on first extraction.
		raws = e.verifyAll(ctx, userID, text, raws)
	}

	cal := Calibrator{Method: e.cfg.CalibrationMethod, Temperature: e.cfg.CalibrationTemperature}
	fullText := conv.FullText()

	var traces []model.DecisionTrace
	var validated []rawDecision
	for _, raw := range raws {
		author := RationaleAuthor(ep, raw.Rationale)
		score := cal.Calibrate(raw, fullText, author)

		if reason := e.gateFailure(raw, score); reason != "" {
			if raw.Confidence >= retryMinConfidence && !raw.verifyRejected {
				if retried, ok := e.retry(ctx, userID, text, raw); ok {
					raw = retried
					author = RationaleAuthor(ep, raw.Rationale)
					score = cal.Calibrate(raw, fullText, author)
					if r := e.gateFailure(raw, score); r != "" {
						e.logger.Debug("extract: dropped after retry", "reason", r)
						continue
					}
				} else {
					continue
				}
			} else {
				e.logger.Debug("extract: dropped by validation gate", "reason", reason)
				continue
			}
		}

		validated = append(validated, raw)
		traces = append(traces, e.toTrace(conv, ep, raw, score, author, modelName, truncatedFrom))
	}

	// Only validated output is cached; garbage is re-extracted next time.
	if !fromCache && len(validated) > 0 {
		if data, err := json.Marshal(validated); err == nil {
			e.infra.Cache().Put(ctx, callType, text, string(data))
		}
	}
	return traces, nil
}

// budget renders the episode's structured text, truncating by dropping
// the oldest messages when the estimated prompt exceeds the limit.
// Returns the text and the number of messages removed.
func (e *Extractor) budget(ep model.Episode) (string, int) {
	limit := e.cfg.MaxPromptTokens
	if e.cfg.ContextLimit > 0 {
		scaled := e.cfg.ContextLimit * 85 / 100
		if limit <= 0 || scaled < limit {
			limit = scaled
		}
	}

	text := ep.StructuredText()
	if limit <= 0 || estimateEpisodeTokens(text, len(ep.Messages)) <= limit {
		return text, 0
	}

	msgs := ep.Messages
	removed := 0
	for len(msgs) > 1 {
		msgs = msgs[1:]
		removed++
		trimmed := model.Episode{Kind: ep.Kind, Messages: msgs, StartIndex: ep.StartIndex + removed}
		text = fmt.Sprintf(truncationMarkerFmt, removed) + "\n" + trimmed.StructuredText()
		if estimateEpisodeTokens(text, len(msgs)) <= limit {
			break
		}
	}
	return text, removed
}

func estimateEpisodeTokens(text string, messages int) int {
	return llm.EstimateTokens(text) + messages*llm.MessageOverheadTokens
}

// classify detects the decision type with a small cached LLM call over
// the episode prefix, falling back to keyword counting.
func (e *Extractor) classify(ctx context.Context, userID, text string) DecisionType {
	prefix := text
	if len(prefix) > classifyPrefixLen {
		prefix = prefix[:classifyPrefixLen]
	}

	if cached, ok := e.infra.Cache().Get(ctx, "classify", prefix); ok {
		if t, ok := parseDecisionType(cached); ok {
			return t
		}
	}

	resp, err := e.infra.Generate(ctx, llm.Request{
		System:      classifySystemPrompt,
		Prompt:      prefix,
		Temperature: 0,
		MaxTokens:   8,
		UserID:      userID,
	})
	if err == nil {
		if t, ok := parseDecisionType(resp.Text); ok {
			e.infra.Cache().Put(ctx, "classify", prefix, string(t))
			return t
		}
	}
	return classifyByKeywords(text)
}

func parseDecisionType(s string) (DecisionType, bool) {
	switch DecisionType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeArchitecture:
		return TypeArchitecture, true
	case TypeTechnology:
		return TypeTechnology, true
	case TypeProcess:
		return TypeProcess, true
	case TypeGeneral:
		return TypeGeneral, true
	}
	return TypeGeneral, false
}

func classifyByKeywords(text string) DecisionType {
	lc := strings.ToLower(text)
	best := TypeGeneral
	bestCount := 0
	// Deterministic order: architecture > technology > process on ties.
	for _, t := range []DecisionType{TypeArchitecture, TypeTechnology, TypeProcess} {
		count := 0
		for _, kw := range classifyKeywords[t] {
			count += strings.Count(lc, kw)
		}
		if count > bestCount {
			best, bestCount = t, count
		}
	}
	return best
}

// glean runs one focused re-extraction for decisions whose completeness
// is below the floor, merging returned patches by index.
func (e *Extractor) glean(ctx context.Context, userID, text string, raws []rawDecision) []rawDecision {
	excerpt := head(text, gleanExcerptLen)
	for i := range raws {
		if completenessScore(raws[i]) >= completenessFloor {
			continue
		}
		missing := missingFields(raws[i])
		partial, _ := json.Marshal(raws[i])
		resp, err := e.infra.Generate(ctx, llm.Request{
			System:      systemPrompt,
			Prompt:      gleaningPrompt(excerpt, string(partial), missing),
			Temperature: coreTemperature,
			UserID:      userID,
		})
		if err != nil {
			e.logger.Debug("extract: gleaning call failed", "error", err)
			continue
		}
		var patch rawDecision
		if err := DecodeObject(resp.Text, &patch); err != nil {
			continue
		}
		mergePatch(&raws[i], patch)
	}
	return raws
}

func missingFields(d rawDecision) []string {
	var missing []string
	check := func(name, v string) {
		if len(strings.TrimSpace(v)) < meaningfulFieldChars {
			missing = append(missing, name)
		}
	}
	check("trigger", d.Trigger)
	check("context", d.Context)
	check("options", strings.Join(d.Options, ", "))
	check("decision", d.Decision)
	check("rationale", d.Rationale)
	return missing
}

// mergePatch fills empty or thin fields of dst from patch, never
// overwriting substantive content.
func mergePatch(dst *rawDecision, patch rawDecision) {
	if len(strings.TrimSpace(dst.Trigger)) < meaningfulFieldChars && patch.Trigger != "" {
		dst.Trigger = patch.Trigger
	}
	if len(strings.TrimSpace(dst.Context)) < meaningfulFieldChars && patch.Context != "" {
		dst.Context = patch.Context
	}
	if len(dst.Options) == 0 && len(patch.Options) > 0 {
		dst.Options = patch.Options
	}
	if len(strings.TrimSpace(dst.Decision)) < meaningfulFieldChars && patch.Decision != "" {
		dst.Decision = patch.Decision
	}
	if len(strings.TrimSpace(dst.Rationale)) < meaningfulFieldChars && patch.Rationale != "" {
		dst.Rationale = patch.Rationale
	}
	if dst.Scope == "" && patch.Scope != "" {
		dst.Scope = patch.Scope
	}
}

// verifyAll runs the verify pass concurrently for decisions below the
// high-confidence threshold. Verification failures mark the decision
// rejected; transport errors leave it unverified.
func (e *Extractor) verifyAll(ctx context.Context, userID, text string, raws []rawDecision) []rawDecision {
	excerpt := head(text, verifyExcerptLen)
	g, gctx := errgroup.WithContext(ctx)
	for i := range raws {
		if raws[i].Confidence >= e.cfg.HighConfidenceThreshold {
			continue
		}
		g.Go(func() error {
			e.verifyOne(gctx, userID, excerpt, &raws[i])
			return nil
		})
	}
	_ = g.Wait()
	return raws
}

type verifyResult struct {
	Evidenced        bool              `json:"evidenced"`
	ImplementedPath  bool              `json:"implemented_path"`
	RealAlternatives bool              `json:"real_alternatives"`
	Confidence       float64           `json:"confidence"`
	Corrections      map[string]string `json:"corrections"`
}

func (e *Extractor) verifyOne(ctx context.Context, userID, excerpt string, d *rawDecision) {
	encoded, _ := json.Marshal(d)
	resp, err := e.infra.Generate(ctx, llm.Request{
		System:      verifySystemPrompt,
		Prompt:      verifyPrompt(excerpt, string(encoded)),
		Temperature: 0,
		UserID:      userID,
	})
	if err != nil {
		e.logger.Debug("extract: verify call failed", "error", err)
		return
	}
	var v verifyResult
	if err := DecodeObject(resp.Text, &v); err != nil {
		return
	}
	if !v.Evidenced || !v.ImplementedPath {
		d.verifyRejected = true
		return
	}
	if v.Confidence > 0 {
		d.Confidence = clamp01(v.Confidence)
	}
	for field, value := range v.Corrections {
		switch field {
		case "trigger":
			d.Trigger = value
		case "context":
			d.Context = value
		case "decision":
			d.Decision = value
		case "rationale":
			d.Rationale = value
		case "scope":
			d.Scope = value
		}
	}
}

// retry issues one targeted re-extraction for a gate failure.
func (e *Extractor) retry(ctx context.Context, userID, text string, d rawDecision) (rawDecision, bool) {
	partial, _ := json.Marshal(d)
	resp, err := e.infra.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      retryPrompt(head(text, gleanExcerptLen), string(partial)),
		Temperature: coreTemperature,
		UserID:      userID,
	})
	if err != nil {
		return d, false
	}
	var retried rawDecision
	if err := DecodeObject(resp.Text, &retried); err != nil {
		return d, false
	}
	applyDefaults([]rawDecision{retried})
	return retried, true
}

// gateFailure returns a non-empty reason when the decision must be
// dropped: hallucinated few-shot content, an empty or trivial decision,
// a missing trigger, a calibrated score under the floor, or a verify
// rejection.
func (e *Extractor) gateFailure(d rawDecision, calibrated float64) string {
	trigger := strings.ToLower(strings.TrimSpace(d.Trigger))
	for _, example := range fewShotExampleStrings {
		if trigger == example {
			return "few-shot example leaked into output"
		}
	}
	if len(strings.TrimSpace(d.Decision)) < 10 {
		return "decision text too short"
	}
	if trigger == "" || trigger == defaultTriggerPlaceholder {
		return "missing trigger"
	}
	if calibrated < e.cfg.MinConfidence {
		return fmt.Sprintf("calibrated confidence %.2f below floor", calibrated)
	}
	if d.verifyRejected {
		return "rejected by verification"
	}
	return ""
}

// applyDefaults fills required fields the model omitted.
func applyDefaults(raws []rawDecision) {
	for i := range raws {
		d := &raws[i]
		if d.Trigger == "" {
			d.Trigger = defaultTriggerPlaceholder
		}
		if len(d.Options) == 0 && d.Decision != "" {
			d.Options = []string{d.Decision}
		}
		if d.Confidence == 0 {
			d.Confidence = 0.5
		}
		if d.Scope == "" {
			d.Scope = string(model.ScopeUnknown)
		}
	}
}

func (e *Extractor) toTrace(conv model.Conversation, ep model.Episode, d rawDecision, calibrated float64, author model.RationaleAuthor, modelName string, truncatedFrom int) model.DecisionTrace {
	trace := model.DecisionTrace{
		ProjectName:       conv.ProjectName,
		Trigger:           d.Trigger,
		Context:           d.Context,
		Options:           d.Options,
		AgentDecision:     d.Decision,
		AgentRationale:    d.Rationale,
		Confidence:        calibrated,
		RawConfidence:     d.Confidence,
		Scope:             parseScope(d.Scope),
		Source:            model.SourceClaudeLogs,
		VerbatimTrigger:   d.VerbatimTrigger,
		VerbatimDecision:  d.VerbatimDecision,
		VerbatimRationale: d.VerbatimRationale,
		RawRationale:      ep.ThinkingText(),
		RationaleAuthor:   author,
		Assumptions:       d.Assumptions,
		TurnIndex:         d.TurnIndex,
		ToolPaths:         ep.ToolPaths(),
		Provenance: model.Provenance{
			SourceType:       string(model.SourceClaudeLogs),
			SourcePath:       conv.SourcePath,
			Model:            modelName,
			PromptVersion:    e.cfg.PromptVersion,
			ExtractionMethod: "llm_pipeline",
			MessageIndex:     ep.StartIndex + truncatedFrom,
			Confidence:       calibrated,
		},
	}
	trace.TriggerSpan = GroundSpan(conv, d.VerbatimTrigger, d.TurnIndex)
	trace.DecisionSpan = GroundSpan(conv, d.VerbatimDecision, d.TurnIndex)
	trace.RationaleSpan = GroundSpan(conv, d.VerbatimRationale, d.TurnIndex)
	return trace
}

func parseScope(s string) model.Scope {
	switch model.Scope(strings.ToLower(strings.TrimSpace(s))) {
	case model.ScopeStrategic:
		return model.ScopeStrategic
	case model.ScopeArchitectural:
		return model.ScopeArchitectural
	case model.ScopeLibrary:
		return model.ScopeLibrary
	case model.ScopeConfig:
		return model.ScopeConfig
	case model.ScopeOperational:
		return model.ScopeOperational
	default:
		return model.ScopeUnknown
	}
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
