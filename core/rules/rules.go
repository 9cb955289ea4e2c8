// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rules

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/filter"
	"github.com/relabs-tech/limen/core/schema"
)

// SymmetricOwner is the marker value for OwnerIdentityColumn declaring a
// symmetric two-column ownership relation. The leading '&' keeps it out
// of the identifier namespace, it can never collide with a real column.
const SymmetricOwner = "&symmetric"

// DefaultOwnerColumn is the owner identity column used when a rule
// enables owner scoping without naming one.
const DefaultOwnerColumn = "user_id"

// DefaultPrimaryKey is the primary key column used when a rule does not
// name one.
const DefaultPrimaryKey = "id"

// SchemaID identifies the embedded configuration schema. The schema
// constant is generated from rules.json, see the generate directive in
// doc.go.
const SchemaID = "https://relabs.tech/schemas/limen-rules.json"

// Configuration holds a complete gateway permission configuration
type Configuration struct {
	Resources []ResourceRule `json:"resources"`
	Buckets   []BucketRule   `json:"buckets,omitempty"`
}

// ResourceRule describes the access rules for one resource
type ResourceRule struct {
	Resource            string           `json:"resource"`
	Description         string           `json:"description,omitempty"`
	OwnerOnly           bool             `json:"owner_only,omitempty"`
	OwnerIdentityColumn string           `json:"owner_identity_column,omitempty"`
	ParticipantColumns  []string         `json:"participant_columns,omitempty"`
	SelfKeyed           bool             `json:"self_keyed,omitempty"`
	PrimaryKey          string           `json:"primary_key,omitempty"`
	AllowedColumns      []string         `json:"allowed_columns,omitempty"`
	ForcedPredicates    map[string]any   `json:"forced_predicates,omitempty"`
	RequiredRole        string           `json:"required_role,omitempty"`
	AllowedOperations   []core.Operation `json:"allowed_operations,omitempty"`
	SchemaID            string           `json:"schema_id,omitempty"`
}

// BucketRule describes the access rules for one storage bucket
type BucketRule struct {
	Bucket               string `json:"bucket"`
	Description          string `json:"description,omitempty"`
	RequiredRole         string `json:"required_role,omitempty"`
	OwnerPrefixed        bool   `json:"owner_prefixed,omitempty"`
	Mutable              bool   `json:"mutable,omitempty"`
	MaxAgeCache          int    `json:"max_age_cache,omitempty"`
	PresignedURLValidity int    `json:"presigned_url_validity,omitempty"`
}

// Symmetric reports whether ownership is a two-column relation.
func (r ResourceRule) Symmetric() bool {
	return r.OwnerIdentityColumn == SymmetricOwner
}

// OwnerColumn returns the owner identity column, applying the default.
func (r ResourceRule) OwnerColumn() string {
	if r.OwnerIdentityColumn == "" {
		return DefaultOwnerColumn
	}
	return r.OwnerIdentityColumn
}

// Key returns the primary key column, applying the default.
func (r ResourceRule) Key() string {
	if r.PrimaryKey == "" {
		return DefaultPrimaryKey
	}
	return r.PrimaryKey
}

// Allows reports whether the operation is permitted. An absent operation
// list permits everything.
func (r ResourceRule) Allows(operation core.Operation) bool {
	if len(r.AllowedOperations) == 0 {
		return true
	}
	for _, op := range r.AllowedOperations {
		if op == operation {
			return true
		}
	}
	return false
}

// ColumnAllowed reports whether the column may be read or written. An
// absent allow-list permits everything.
func (r ResourceRule) ColumnAllowed(column string) bool {
	if r.AllowedColumns == nil {
		return true
	}
	for _, c := range r.AllowedColumns {
		if c == column {
			return true
		}
	}
	return false
}

// RestrictedColumns returns every requested column outside the
// allow-list, in request order, duplicates removed.
func (r ResourceRule) RestrictedColumns(requested []string) []string {
	if r.AllowedColumns == nil {
		return nil
	}
	var violations []string
	seen := make(map[string]bool)
	for _, column := range requested {
		if column == "*" || r.ColumnAllowed(column) || seen[column] {
			continue
		}
		seen[column] = true
		violations = append(violations, column)
	}
	return violations
}

// Registry answers permission lookups for resources and buckets.
type Registry struct {
	resources map[string]ResourceRule
	buckets   map[string]BucketRule
}

// New creates a registry from a configuration. The configuration is
// checked structurally, a bad configuration is a programming error at
// the call site.
func New(config Configuration) (*Registry, error) {
	registry := &Registry{
		resources: make(map[string]ResourceRule),
		buckets:   make(map[string]BucketRule),
	}
	for _, rule := range config.Resources {
		if err := validateRule(rule); err != nil {
			return nil, err
		}
		if _, ok := registry.resources[rule.Resource]; ok {
			return nil, fmt.Errorf("duplicate rule for resource '%s'", rule.Resource)
		}
		registry.resources[rule.Resource] = rule
	}
	for _, rule := range config.Buckets {
		if rule.Bucket == "" {
			return nil, fmt.Errorf("bucket rule without bucket name")
		}
		if _, ok := registry.buckets[rule.Bucket]; ok {
			return nil, fmt.Errorf("duplicate rule for bucket '%s'", rule.Bucket)
		}
		registry.buckets[rule.Bucket] = rule
	}
	return registry, nil
}

// MustNew is like New, but panics on error
func MustNew(config Configuration) *Registry {
	registry, err := New(config)
	if err != nil {
		panic(err)
	}
	return registry
}

// NewFromJSON creates a registry from the raw configuration document. The
// document is validated against the embedded configuration schema first,
// so schema violations carry the exact offending path.
func NewFromJSON(config []byte) (*Registry, error) {
	validator, err := schema.NewValidator([]string{rulesJSON}, nil)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateBytes(config, SchemaID); err != nil {
		return nil, err
	}
	var c Configuration
	if err := json.Unmarshal(config, &c); err != nil {
		return nil, err
	}
	return New(c)
}

// MustNewFromJSON is like NewFromJSON, but panics on error
func MustNewFromJSON(config []byte) *Registry {
	registry, err := NewFromJSON(config)
	if err != nil {
		panic(err)
	}
	return registry
}

func validateRule(rule ResourceRule) error {
	if !filter.ValidIdentifier(rule.Resource) {
		return fmt.Errorf("invalid resource name '%s'", rule.Resource)
	}
	if rule.Symmetric() {
		if len(rule.ParticipantColumns) != 2 {
			return fmt.Errorf("resource '%s': symmetric ownership needs exactly two participant columns", rule.Resource)
		}
		for _, column := range rule.ParticipantColumns {
			if !filter.ValidIdentifier(column) {
				return fmt.Errorf("resource '%s': invalid participant column '%s'", rule.Resource, column)
			}
		}
		if rule.ParticipantColumns[0] == rule.ParticipantColumns[1] {
			return fmt.Errorf("resource '%s': participant columns must differ", rule.Resource)
		}
		if rule.SelfKeyed {
			return fmt.Errorf("resource '%s': symmetric ownership and self_keyed contradict each other", rule.Resource)
		}
	} else {
		if len(rule.ParticipantColumns) != 0 {
			return fmt.Errorf("resource '%s': participant columns need owner_identity_column \"%s\"", rule.Resource, SymmetricOwner)
		}
		if rule.OwnerIdentityColumn != "" && !filter.ValidIdentifier(rule.OwnerIdentityColumn) {
			return fmt.Errorf("resource '%s': invalid owner identity column '%s'", rule.Resource, rule.OwnerIdentityColumn)
		}
	}
	if rule.PrimaryKey != "" && !filter.ValidIdentifier(rule.PrimaryKey) {
		return fmt.Errorf("resource '%s': invalid primary key '%s'", rule.Resource, rule.PrimaryKey)
	}
	for _, column := range rule.AllowedColumns {
		if !filter.ValidIdentifier(column) {
			return fmt.Errorf("resource '%s': invalid allowed column '%s'", rule.Resource, column)
		}
	}
	for column := range rule.ForcedPredicates {
		if !filter.ValidIdentifier(column) {
			return fmt.Errorf("resource '%s': invalid forced predicate column '%s'", rule.Resource, column)
		}
	}
	// the column used for identity scoping must survive the column
	// allow-list, otherwise the rule could never inject the caller.
	// Scoping precedence is self_keyed, then symmetric, then owner_only.
	if len(rule.AllowedColumns) > 0 {
		switch {
		case rule.SelfKeyed:
			if !rule.ColumnAllowed(rule.Key()) {
				return fmt.Errorf("resource '%s': primary key '%s' missing from allowed columns", rule.Resource, rule.Key())
			}
		case rule.Symmetric():
			for _, column := range rule.ParticipantColumns {
				if !rule.ColumnAllowed(column) {
					return fmt.Errorf("resource '%s': participant column '%s' missing from allowed columns", rule.Resource, column)
				}
			}
		case rule.OwnerOnly:
			if !rule.ColumnAllowed(rule.OwnerColumn()) {
				return fmt.Errorf("resource '%s': owner identity column '%s' missing from allowed columns", rule.Resource, rule.OwnerColumn())
			}
		}
	}
	return nil
}

// Lookup returns the rule for a resource. The second return value
// reports whether the resource is listed at all.
func (r *Registry) Lookup(resource string) (ResourceRule, bool) {
	rule, ok := r.resources[resource]
	return rule, ok
}

// LookupBucket returns the rule for a storage bucket.
func (r *Registry) LookupBucket(bucket string) (BucketRule, bool) {
	rule, ok := r.buckets[bucket]
	return rule, ok
}

// PayloadSchemas returns resource to schema id for every rule that
// names a write payload schema.
func (r *Registry) PayloadSchemas() map[string]string {
	schemas := make(map[string]string)
	for name, rule := range r.resources {
		if rule.SchemaID != "" {
			schemas[name] = rule.SchemaID
		}
	}
	return schemas
}

// Resources returns the sorted list of configured resource names.
func (r *Registry) Resources() []string {
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
