package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// staticCanonical maps common abbreviations and variant spellings to
// their canonical entity names. Lookups are on the normalized form.
var staticCanonical = map[string]string{
	"postgres":   "PostgreSQL",
	"pg":         "PostgreSQL",
	"psql":       "PostgreSQL",
	"mongo":      "MongoDB",
	"k8s":        "Kubernetes",
	"kube":       "Kubernetes",
	"js":         "JavaScript",
	"ts":         "TypeScript",
	"py":         "Python",
	"golang":     "Go",
	"es":         "Elasticsearch",
	"elastic":    "Elasticsearch",
	"rabbit":     "RabbitMQ",
	"gh":         "GitHub",
	"gcp":        "Google Cloud Platform",
	"aws":        "Amazon Web Services",
	"tf":         "Terraform",
	"npm":        "npm",
	"react.js":   "React",
	"reactjs":    "React",
	"vue.js":     "Vue",
	"vuejs":      "Vue",
	"node":       "Node.js",
	"nodejs":     "Node.js",
	"sqlite3":    "SQLite",
	"redis-cli":  "Redis",
	"fastapi":    "FastAPI",
	"grpc":       "gRPC",
	"graphql":    "GraphQL",
	"oidc":       "OpenID Connect",
	"oauth2":     "OAuth 2.0",
	"ci":         "Continuous Integration",
	"cd":         "Continuous Delivery",
	"ws":         "WebSocket",
	"websockets": "WebSocket",
}

const registryTimeout = 5 * time.Second

// Canonical resolves names to canonical spellings through the static
// dictionary plus a dynamically-refreshed set populated from package
// registry lookups. Safe for concurrent use.
type Canonical struct {
	mu      sync.RWMutex
	dynamic map[string]string

	registryURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewCanonical builds the canonical dictionary. registryURL is the npm
// registry search base; empty disables registry refresh.
func NewCanonical(registryURL string, logger *slog.Logger) *Canonical {
	return &Canonical{
		dynamic:     map[string]string{},
		registryURL: registryURL,
		httpClient:  &http.Client{Timeout: registryTimeout},
		logger:      logger,
	}
}

// Lookup returns the canonical name for input and whether one is known.
func (c *Canonical) Lookup(name string) (string, bool) {
	norm := Normalize(name)
	if canon, ok := staticCanonical[norm]; ok {
		return canon, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	canon, ok := c.dynamic[norm]
	return canon, ok
}

// IsCanonicalName reports whether name is itself a canonical value in
// the static dictionary; duplicate merging prefers such names as the
// surviving representative.
func (c *Canonical) IsCanonicalName(name string) bool {
	for _, canon := range staticCanonical {
		if strings.EqualFold(canon, name) {
			return true
		}
	}
	return false
}

// Refresh consults the package registry for each name and records the
// registry's canonical spelling when it matches. Lookups use a 5s
// timeout and fail silently; a missing registry never blocks
// resolution.
func (c *Canonical) Refresh(ctx context.Context, names []string) {
	if c.registryURL == "" {
		return
	}
	for _, name := range names {
		norm := Normalize(name)
		if _, ok := staticCanonical[norm]; ok {
			continue
		}
		c.mu.RLock()
		_, known := c.dynamic[norm]
		c.mu.RUnlock()
		if known {
			continue
		}
		if canon, ok := c.registryLookup(ctx, norm); ok {
			c.mu.Lock()
			c.dynamic[norm] = canon
			c.mu.Unlock()
		}
	}
}

type registrySearchResponse struct {
	Objects []struct {
		Package struct {
			Name string `json:"name"`
		} `json:"package"`
	} `json:"objects"`
}

func (c *Canonical) registryLookup(ctx context.Context, norm string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/-/v1/search?text=%s&size=1", strings.TrimSuffix(c.registryURL, "/"), url.QueryEscape(norm))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("resolve: registry lookup failed", "name", norm, "error", err)
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var parsed registrySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false
	}
	if len(parsed.Objects) == 0 {
		return "", false
	}
	pkg := parsed.Objects[0].Package.Name
	// Only a confident hit counts: the registry package must be the same
	// name modulo normalization, otherwise we would canonicalize "http"
	// to whatever package ranks first.
	if Normalize(pkg) != norm {
		return "", false
	}
	return pkg, true
}

// Normalize lowercases and collapses interior whitespace; it is the
// cache and memoization key for entity names.
func Normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
