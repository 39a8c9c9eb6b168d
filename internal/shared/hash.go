package shared

import (
	"crypto/md5"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
)

// KnowledgeBase is a tenant's index configuration. The identity fields
// (KnowledgeBaseID, ExistKnowledgeBaseID, DataSourceIDs) are assigned at
// provisioning time and do not take part in ConfigHash.
type KnowledgeBase struct {
	Type                  string          `json:"type,omitempty"`
	EmbeddingsModel       string          `json:"embeddings_model"`
	OpenSearch            json.RawMessage `json:"open_search,omitempty"`
	ChunkingConfiguration json.RawMessage `json:"chunking_configuration,omitempty"`
	SearchParams          json.RawMessage `json:"search_params,omitempty"`
	ParsingModel          string          `json:"parsing_model,omitempty"`
	WebCrawlingScope      string          `json:"web_crawling_scope,omitempty"`
	WebCrawlingFilters    json.RawMessage `json:"web_crawling_filters,omitempty"`

	KnowledgeBaseID      string   `json:"knowledge_base_id,omitempty"`
	ExistKnowledgeBaseID string   `json:"exist_knowledge_base_id,omitempty"`
	DataSourceIDs        []string `json:"data_source_ids,omitempty"`
}

// ParseKnowledgeBase decodes a stored configuration. A nil or empty raw
// value yields nil.
func ParseKnowledgeBase(raw json.RawMessage) (*KnowledgeBase, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var kb KnowledgeBase
	if err := json.Unmarshal(raw, &kb); err != nil {
		return nil, fmt.Errorf("parsing knowledge base: %w", err)
	}
	return &kb, nil
}

// ConfigHash returns the unpadded base32 MD5 of kb's canonical JSON with the
// identity fields left out. Tenants with equal hashes share one index.
func ConfigHash(kb KnowledgeBase) (string, error) {
	kb.KnowledgeBaseID = ""
	kb.ExistKnowledgeBaseID = ""
	kb.DataSourceIDs = nil

	raw, err := json.Marshal(kb)
	if err != nil {
		return "", fmt.Errorf("encoding knowledge base: %w", err)
	}
	// Round-trip through a generic value so nested objects get sorted keys
	// and insignificant whitespace in the raw fields disappears.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalizing knowledge base: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalizing knowledge base: %w", err)
	}

	sum := md5.Sum(canonical)
	return strings.TrimRight(base32.StdEncoding.EncodeToString(sum[:]), "="), nil
}
