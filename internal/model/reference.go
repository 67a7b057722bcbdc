package model

import (
	"fmt"
	"strings"
)

// ReferenceID is the stable identity of a value held in the backing store
type ReferenceID = string

// Referencable is anything with a stable id
type Referencable interface {
	GetID() ReferenceID
}

// StorageKey identifies a storage location
type StorageKey string

// Reference stands in for a value owned by the backing store. It proves the value exists
// somewhere at Version; it never carries the value.
type Reference struct {
	ID         ReferenceID `json:"id"`
	StorageKey StorageKey  `json:"storage_key"`
	Version    VersionMap  `json:"version"`
}

// GetID implements Referencable
func (r Reference) GetID() ReferenceID {
	return r.ID
}

// NewReference creates a reference with a copy of the version
func NewReference(id ReferenceID, key StorageKey, version VersionMap) Reference {
	return Reference{ID: id, StorageKey: key, Version: version.Copy()}
}

func (r Reference) String() string {
	return fmt.Sprintf("Reference(%s@%s, %s)", r.ID, r.Version, r.StorageKey)
}

const referenceModeProtocol = "reference-mode://"

// ReferenceModeStorageKey pairs the backing store location with the container location
type ReferenceModeStorageKey struct {
	BackingKey StorageKey
	StorageKey StorageKey
}

// String renders the key as reference-mode://{backing}{storage}
func (k ReferenceModeStorageKey) String() string {
	return fmt.Sprintf("%s{%s}{%s}", referenceModeProtocol, k.BackingKey, k.StorageKey)
}

// ParseReferenceModeStorageKey parses the output of ReferenceModeStorageKey.String
func ParseReferenceModeStorageKey(raw string) (ReferenceModeStorageKey, error) {
	if !strings.HasPrefix(raw, referenceModeProtocol) {
		return ReferenceModeStorageKey{}, fmt.Errorf("not a reference-mode storage key: %q", raw)
	}
	rest := strings.TrimPrefix(raw, referenceModeProtocol)

	backing, rest, err := takeBraced(rest)
	if err != nil {
		return ReferenceModeStorageKey{}, fmt.Errorf("invalid backing key in %q: %w", raw, err)
	}
	storage, rest, err := takeBraced(rest)
	if err != nil {
		return ReferenceModeStorageKey{}, fmt.Errorf("invalid storage key in %q: %w", raw, err)
	}
	if rest != "" {
		return ReferenceModeStorageKey{}, fmt.Errorf("trailing data in %q", raw)
	}
	if backing == "" || storage == "" {
		return ReferenceModeStorageKey{}, fmt.Errorf("empty component in %q", raw)
	}

	return ReferenceModeStorageKey{BackingKey: StorageKey(backing), StorageKey: StorageKey(storage)}, nil
}

// takeBraced reads one {...} group, honouring nested braces
func takeBraced(s string) (string, string, error) {
	if !strings.HasPrefix(s, "{") {
		return "", "", fmt.Errorf("expected '{'")
	}
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[1:i], s[i+1:], nil
			}
		}
	}
	return "", "", fmt.Errorf("unbalanced braces")
}
