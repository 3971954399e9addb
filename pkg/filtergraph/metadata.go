package filtergraph

import "slices"

type Metadata struct {
	Description string   `json:"description,omitempty"`
	Name        string   `json:"name,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Merge overrides non-empty fields and appends missing tags
func (m *Metadata) Merge(i Metadata) Metadata {
	if i.Description != "" {
		m.Description = i.Description
	}
	if i.Name != "" {
		m.Name = i.Name
	}
	for _, t := range i.Tags {
		if !slices.Contains(m.Tags, t) {
			m.Tags = append(m.Tags, t)
		}
	}
	return *m
}

func (m Metadata) HasTag(t string) bool {
	return slices.Contains(m.Tags, t)
}
