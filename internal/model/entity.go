package model

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EntityType classifies what kind of thing an entity names.
type EntityType string

const (
	EntityTechnology   EntityType = "technology"
	EntityConcept      EntityType = "concept"
	EntityPattern      EntityType = "pattern"
	EntitySystem       EntityType = "system"
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityFile         EntityType = "file"
)

// Entity is a named node in the knowledge graph. An entity is considered
// orphaned when no DecisionTrace of the owning user reaches it via an
// INVOLVES edge.
type Entity struct {
	ID        uuid.UUID        `json:"id"`
	UserID    *string          `json:"user_id,omitempty"`
	Name      string           `json:"name"`
	Type      EntityType       `json:"type"`
	Aliases   []string         `json:"aliases,omitempty"`
	Embedding *pgvector.Vector `json:"-"`
	CreatedAt time.Time        `json:"created_at"`

	// DecisionCount is populated by aggregate queries only.
	DecisionCount int `json:"decision_count,omitempty"`
}

// CodeEntity is a file path in a real repository, created from tool-call
// ground truth or from a decision mention resolved through the repo index.
type CodeEntity struct {
	ID        uuid.UUID `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	FilePath  string    `json:"file_path"`
	FileStem  string    `json:"file_stem"`
	Language  string    `json:"language,omitempty"`
	LineCount int       `json:"line_count,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCodeEntity builds a CodeEntity from a repo-relative path, inferring
// stem and language from the file name.
func NewCodeEntity(userID *string, path string) CodeEntity {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return CodeEntity{
		ID:       uuid.New(),
		UserID:   userID,
		FilePath: path,
		FileStem: strings.TrimSuffix(base, ext),
		Language: languageForExt(ext),
	}
}

func languageForExt(ext string) string {
	langs := map[string]string{
		".go":   "go",
		".py":   "python",
		".ts":   "typescript",
		".tsx":  "typescript",
		".js":   "javascript",
		".jsx":  "javascript",
		".rs":   "rust",
		".java": "java",
		".rb":   "ruby",
		".c":    "c",
		".h":    "c",
		".cpp":  "cpp",
		".sql":  "sql",
		".sh":   "shell",
		".md":   "markdown",
		".yaml": "yaml",
		".yml":  "yaml",
		".json": "json",
		".toml": "toml",
	}
	return langs[strings.ToLower(ext)]
}

// CommitNode links a git commit to the decisions it implemented and the
// code entities it touched.
type CommitNode struct {
	ID        uuid.UUID `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	CommitSHA string    `json:"commit_sha"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
