package caphub

import (
	"maps"
	"slices"
)

// Metadata describes a service instance: what it is and what it can do.
// Tags, Types and Capabilities are sets, kept sorted and without
// duplicates once normalized.
type Metadata struct {
	Name         string         `json:"name,omitempty"`
	Parent       string         `json:"parent,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Types        []string       `json:"types,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Actions      map[string]any `json:"actions,omitempty"`
	Events       map[string]any `json:"events,omitempty"`
	State        map[string]any `json:"state,omitempty"`
}

// MetadataProvider is implemented by service instances which describe
// themselves.
type MetadataProvider interface {
	ServiceMetadata() Metadata
}

func (md Metadata) HasTag(tag string) bool {
	return slices.Contains(md.Tags, tag)
}

func (md Metadata) HasType(typ string) bool {
	return slices.Contains(md.Types, typ)
}

func (md Metadata) HasCapability(capability string) bool {
	return slices.Contains(md.Capabilities, capability)
}

// Matches reports whether every given tag is carried by the service.
func (md Metadata) Matches(tags ...string) bool {
	for _, tag := range tags {
		if !md.HasTag(tag) {
			return false
		}
	}
	return true
}

// Clone returns a copy which shares nothing with `md`, except the values
// of the maps.
func (md Metadata) Clone() Metadata {
	md.Tags = slices.Clone(md.Tags)
	md.Types = slices.Clone(md.Types)
	md.Capabilities = slices.Clone(md.Capabilities)
	md.Actions = maps.Clone(md.Actions)
	md.Events = maps.Clone(md.Events)
	md.State = maps.Clone(md.State)
	return md
}

func (md Metadata) normalize() Metadata {
	md = md.Clone()
	md.Tags = normalizeSet(md.Tags)
	md.Types = normalizeSet(md.Types)
	md.Capabilities = normalizeSet(md.Capabilities)
	return md
}

func normalizeSet(set []string) []string {
	if len(set) == 0 {
		return nil
	}
	slices.Sort(set)
	return slices.Compact(set)
}
