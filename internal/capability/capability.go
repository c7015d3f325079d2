// Package capability declares the external collaborators the engine depends
// on: text generation, supporting-fact discovery, and artifact storage. The
// engine treats all three as black boxes behind these interfaces.
package capability

import "context"

// GenerateRequest asks a provider for text under a budget.
type GenerateRequest struct {
	TaskID    string
	System    string
	Prompt    string
	MaxTokens int
}

// GenerateResponse is the provider's answer plus its token accounting.
type GenerateResponse struct {
	Text         string
	TokensInput  int
	TokensOutput int
}

// Generator is the inference capability: given a prompt and a budget, return
// text and a token count.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	return f(ctx, req)
}

// Fact is a piece of supporting evidence found in an external corpus.
type Fact struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Snippet string `json:"snippet"`
}

// Query selects files by glob and optionally lines by content pattern.
type Query struct {
	Globs      []string // doublestar patterns relative to the corpus root
	Content    string   // optional regexp matched per line
	MaxResults int      // 0 = unlimited
}

// Discovery scans an external corpus (a codebase, a document tree) for
// supporting facts.
type Discovery interface {
	Discover(ctx context.Context, q Query) ([]Fact, error)
}

// ArtifactStore holds full artifact content outside the memory layers. The
// memory store keeps only the returned location.
type ArtifactStore interface {
	Save(name string, content []byte) (location string, err error)
	Load(location string) ([]byte, error)
}
