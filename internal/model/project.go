package model

import (
	"strings"
	"time"
)

// Rows-per-document settings for a project's unit of observation.
const (
	RowsOnePerDocument = "one"
	RowsMultiple       = "multiple"
)

// UnitOfObservation describes what a single output row represents.
type UnitOfObservation struct {
	RowsPerDocument             string `json:"rows_per_document" yaml:"rows_per_document"`
	EntityIdentificationPattern string `json:"entity_identification_pattern,omitempty" yaml:"entity_identification_pattern,omitempty"`
	WhatEachRowRepresents       string `json:"what_each_row_represents,omitempty" yaml:"what_each_row_represents,omitempty"`
}

// Project groups documents and the variables extracted from them.
type Project struct {
	ID                string             `json:"id" yaml:"id"`
	Name              string             `json:"name" yaml:"name"`
	Description       string             `json:"description,omitempty" yaml:"description,omitempty"`
	Domain            string             `json:"domain,omitempty" yaml:"domain,omitempty"`
	UnitOfObservation *UnitOfObservation `json:"unit_of_observation,omitempty" yaml:"unit_of_observation,omitempty"`
	CreatedAt         time.Time          `json:"created_at" yaml:"-"`
}

// IsEntityLevel reports whether each document yields one row per identified entity.
// Document-level is the default when no unit of observation is configured.
func (p *Project) IsEntityLevel() bool {
	if p == nil || p.UnitOfObservation == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(p.UnitOfObservation.RowsPerDocument)) {
	case RowsMultiple, "many", "entity":
		return true
	default:
		return false
	}
}

// Document is a source document whose text was extracted upstream.
type Document struct {
	ID         string    `json:"id" yaml:"id"`
	ProjectID  string    `json:"project_id" yaml:"-"`
	Filename   string    `json:"filename,omitempty" yaml:"filename,omitempty"`
	Content    string    `json:"content" yaml:"content"`
	ChunkCount int       `json:"chunk_count" yaml:"-"`
	WordCount  int       `json:"word_count" yaml:"-"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}

// Chunk is one ordered slice of a document too large for a single model call.
type Chunk struct {
	DocumentID string `json:"document_id" yaml:"-"`
	Index      int    `json:"index" yaml:"-"`
	Text       string `json:"text" yaml:"text"`
	TokenCount int    `json:"token_count" yaml:"token_count"`
}

// Entity is one unit of observation found inside a document.
type Entity struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// StoredText is the entity_text recorded on its extraction rows: the
// entity's own text, or its label when identification returned none.
func (e Entity) StoredText() string {
	if strings.TrimSpace(e.Text) != "" {
		return e.Text
	}
	return e.Label
}

// WholeDocumentEntity is the synthetic entity used when identification finds nothing.
func WholeDocumentEntity() Entity {
	return Entity{Index: 0, Label: "Entire document"}
}

// ModelConfig carries the model call parameters rendered with a prompt.
type ModelConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int64   `json:"max_tokens"`
}

// Prompt is an immutable, versioned rendering of a variable.
type Prompt struct {
	ID          string      `json:"id"`
	VariableID  string      `json:"variable_id"`
	Version     int         `json:"version"`
	Text        string      `json:"text"`
	ModelConfig ModelConfig `json:"model_config"`
	IsActive    bool        `json:"is_active"`
	CreatedAt   time.Time   `json:"created_at"`
}
