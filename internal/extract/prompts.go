package extract

import (
	"fmt"
	"strings"
)

// DecisionType selects the few-shot prompt template.
type DecisionType string

const (
	TypeArchitecture DecisionType = "architecture"
	TypeTechnology   DecisionType = "technology"
	TypeProcess      DecisionType = "process"
	TypeGeneral      DecisionType = "general"
)

// fewShotExampleStrings are the literal example values used in the
// prompts below. A returned decision quoting one of these verbatim is a
// hallucination and is dropped by the validation gate.
var fewShotExampleStrings = []string{
	"need to select a database for the project",
	"choose between REST and GraphQL for the public API",
	"pick a message broker for background jobs",
	"decide how to version the deployment artifacts",
}

const defaultTriggerPlaceholder = "unknown trigger"

const systemPrompt = `You extract engineering decisions from developer conversation transcripts.
Return ONLY a JSON array of decision objects. Each object has:
  "trigger": what prompted the decision,
  "context": surrounding situation and constraints,
  "options": array of alternatives that were considered (at least one),
  "decision": what was chosen,
  "rationale": why it was chosen,
  "confidence": 0.0-1.0 how clearly the transcript evidences this decision,
  "scope": one of "strategic", "architectural", "library", "config", "operational",
  "assumptions": array of assumptions the decision rests on,
  "verbatim_trigger": exact quote from the transcript stating the trigger (or ""),
  "verbatim_decision": exact quote stating the decision (or ""),
  "verbatim_rationale": exact quote stating the rationale (or ""),
  "turn_index": the turn number containing the decision (or null).
Only report decisions actually made in the transcript. Do not invent.`

// fewShotExamples maps each decision type to a worked example appended
// to the system prompt. Examples deliberately use the strings above.
var fewShotExamples = map[DecisionType]string{
	TypeArchitecture: `Example (architecture):
[{"trigger":"need to select a database for the project","context":"relational data, small team comfortable with SQL","options":["PostgreSQL","MongoDB"],"decision":"Use PostgreSQL","rationale":"relational fit and existing SQL expertise","confidence":0.9,"scope":"architectural","assumptions":["data stays relational"],"verbatim_trigger":"","verbatim_decision":"","verbatim_rationale":"","turn_index":0}]`,
	TypeTechnology: `Example (technology):
[{"trigger":"pick a message broker for background jobs","context":"moderate volume, existing redis deployment","options":["Redis streams","RabbitMQ"],"decision":"Use Redis streams","rationale":"no new infrastructure needed","confidence":0.85,"scope":"library","assumptions":["job volume stays moderate"],"verbatim_trigger":"","verbatim_decision":"","verbatim_rationale":"","turn_index":0}]`,
	TypeProcess: `Example (process):
[{"trigger":"decide how to version the deployment artifacts","context":"weekly releases, several environments","options":["git sha tags","semver"],"decision":"Tag images with the git sha","rationale":"unambiguous provenance per build","confidence":0.8,"scope":"operational","assumptions":["CI stays the single build entry point"],"verbatim_trigger":"","verbatim_decision":"","verbatim_rationale":"","turn_index":0}]`,
	TypeGeneral: `Example:
[{"trigger":"choose between REST and GraphQL for the public API","context":"external consumers with varied needs","options":["REST","GraphQL"],"decision":"Use REST","rationale":"simpler caching and tooling","confidence":0.8,"scope":"architectural","assumptions":[],"verbatim_trigger":"","verbatim_decision":"","verbatim_rationale":"","turn_index":0}]`,
}

func extractionSystemPrompt(dtype DecisionType) string {
	ex, ok := fewShotExamples[dtype]
	if !ok {
		ex = fewShotExamples[TypeGeneral]
	}
	return systemPrompt + "\n\n" + ex
}

const classifySystemPrompt = `Classify the dominant decision type of a developer conversation.
Answer with exactly one word: architecture, technology, process, or general.`

// classifyKeywords back the keyword-count fallback used when the
// classification LLM call fails.
var classifyKeywords = map[DecisionType][]string{
	TypeArchitecture: {"architecture", "database", "schema", "service", "api design", "scalab", "microservice", "monolith"},
	TypeTechnology:   {"library", "framework", "dependency", "package", "tool", "version", "upgrade"},
	TypeProcess:      {"workflow", "deploy", "release", "review", "ci", "pipeline", "process", "convention"},
}

func gleaningPrompt(excerpt string, partial string, missing []string) string {
	return fmt.Sprintf(`A decision was extracted from this transcript but the fields %s are missing or too thin.

Transcript excerpt:
%s

Partial decision:
%s

Return ONLY a JSON object with values for the missing fields.`,
		strings.Join(missing, ", "), excerpt, partial)
}

func retryPrompt(excerpt string, partial string) string {
	return fmt.Sprintf(`This extraction failed validation. Re-extract the single decision below from the transcript, with ALL required fields (trigger, context, options, decision, rationale, confidence, scope).

Transcript excerpt:
%s

Failed extraction:
%s

Return ONLY one JSON object.`, excerpt, partial)
}

const verifySystemPrompt = `You verify a decision extracted from a transcript. Answer ONLY with JSON:
{"evidenced": bool — the transcript supports this decision,
 "implemented_path": bool — the decision is the chosen path, not a rejected alternative,
 "real_alternatives": bool — the options are genuine alternatives that were considered,
 "confidence": 0.0-1.0 evidence-based confidence,
 "corrections": {"field": "corrected value", ...} — only fields needing fixes}`

func verifyPrompt(excerpt, decisionJSON string) string {
	return fmt.Sprintf("Transcript excerpt:\n%s\n\nExtracted decision:\n%s", excerpt, decisionJSON)
}

const truncationMarkerFmt = "[TRUNCATED: %d earlier messages removed]"
