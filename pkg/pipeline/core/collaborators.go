package core

import (
	"context"
	"encoding/json"
)

// Scraper fetches the markup of a page.
type Scraper interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// ScraperFunc adapts a function to the Scraper interface.
type ScraperFunc func(ctx context.Context, url string) (string, error)

func (f ScraperFunc) Fetch(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

// SearchHit is one organic web search result.
type SearchHit struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	// Source is the publishing site, usually the hit's host.
	Source string `json:"source"`
}

// Searcher runs a web search query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchHit, error)
}

// SearcherFunc adapts a function to the Searcher interface.
type SearcherFunc func(ctx context.Context, query string) ([]SearchHit, error)

func (f SearcherFunc) Search(ctx context.Context, query string) ([]SearchHit, error) {
	return f(ctx, query)
}

// SchemaType names a JSON value type in a Schema.
type SchemaType string

const (
	SchemaObject  SchemaType = "object"
	SchemaArray   SchemaType = "array"
	SchemaString  SchemaType = "string"
	SchemaNumber  SchemaType = "number"
	SchemaBoolean SchemaType = "boolean"
)

// Schema is the small JSON-schema subset a reasoning answer must follow.
// Adapters translate it into whatever their backend understands.
type Schema struct {
	Type        SchemaType         `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
}

// ReasonRequest is one call to a generative reasoning collaborator.
type ReasonRequest struct {
	// Step names the calling step, for logging.
	Step   string
	Prompt string
	// Context is supporting material serialized as JSON, e.g. search hits.
	Context json.RawMessage
	Schema  *Schema
}

// Reasoner answers a prompt with a JSON document conforming to the request schema.
type Reasoner interface {
	Reason(ctx context.Context, req ReasonRequest) (string, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, req ReasonRequest) (string, error)

func (f ReasonerFunc) Reason(ctx context.Context, req ReasonRequest) (string, error) {
	return f(ctx, req)
}
