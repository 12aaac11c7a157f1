// Package schema holds the static CRIS record-type registry: which staging
// table feeds which production table, the natural key of each record type,
// and the columns owned by downstream review that an import must not touch.
package schema

import (
	"errors"
	"fmt"
	"sort"

	"crisimport/internal/warehouse"
)

// RecordType identifies one of the CRIS extract entities.
type RecordType string

const (
	Crash         RecordType = "crash"
	Unit          RecordType = "unit"
	Person        RecordType = "person"
	PrimaryPerson RecordType = "primaryperson"
	Charges       RecordType = "charges"
)

// ErrUnknownRecordType is returned when a lookup names a type the registry does not map.
var ErrUnknownRecordType = errors.New("schema: unknown record type")

// Mapping describes how one record type is reconciled. Values are immutable;
// accessors hand out copies.
type Mapping struct {
	recordType      RecordType
	productionTable string
	keyColumns      []string
	protected       map[string]struct{}
}

// MappingSpec is the construction input for a Mapping.
type MappingSpec struct {
	Type             RecordType
	ProductionTable  string
	KeyColumns       []string
	ProtectedColumns []string
}

// Type returns the record type.
func (m Mapping) Type() RecordType { return m.recordType }

// StagingTable is the staging table name; extract files are named after it.
func (m Mapping) StagingTable() string { return string(m.recordType) }

// ProductionTable is the durable destination table.
func (m Mapping) ProductionTable() string { return m.productionTable }

// KeyColumns returns the ordered natural key.
func (m Mapping) KeyColumns() []string {
	out := make([]string, len(m.keyColumns))
	copy(out, m.keyColumns)
	return out
}

// IsKey reports whether column is part of the natural key.
func (m Mapping) IsKey(column string) bool {
	for _, k := range m.keyColumns {
		if k == column {
			return true
		}
	}
	return false
}

// IsProtected reports whether column must never be overwritten by an update.
func (m Mapping) IsProtected(column string) bool {
	_, ok := m.protected[column]
	return ok
}

// ProtectedColumns returns the protected set, sorted.
func (m Mapping) ProtectedColumns() []string {
	out := make([]string, 0, len(m.protected))
	for c := range m.protected {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Registry is the full, validated set of mappings in processing order.
type Registry struct {
	mappings []Mapping
	byType   map[RecordType]int
}

// New validates specs and builds a Registry. Processing order follows the
// order of specs.
func New(specs ...MappingSpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, errors.New("schema: registry needs at least one mapping")
	}
	r := &Registry{byType: make(map[RecordType]int, len(specs))}
	tables := make(map[string]RecordType, len(specs))
	for _, spec := range specs {
		m, err := newMapping(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := r.byType[m.recordType]; dup {
			return nil, fmt.Errorf("schema: duplicate record type %s", m.recordType)
		}
		if other, dup := tables[m.productionTable]; dup {
			return nil, fmt.Errorf("schema: production table %s mapped by both %s and %s", m.productionTable, other, m.recordType)
		}
		tables[m.productionTable] = m.recordType
		r.byType[m.recordType] = len(r.mappings)
		r.mappings = append(r.mappings, m)
	}
	return r, nil
}

func newMapping(spec MappingSpec) (Mapping, error) {
	if err := warehouse.ValidateIdent(string(spec.Type)); err != nil {
		return Mapping{}, fmt.Errorf("schema: record type: %w", err)
	}
	if err := warehouse.ValidateIdent(spec.ProductionTable); err != nil {
		return Mapping{}, fmt.Errorf("schema: %s production table: %w", spec.Type, err)
	}
	if len(spec.KeyColumns) == 0 {
		return Mapping{}, fmt.Errorf("schema: %s has no key columns", spec.Type)
	}
	m := Mapping{
		recordType:      spec.Type,
		productionTable: spec.ProductionTable,
		keyColumns:      make([]string, 0, len(spec.KeyColumns)),
		protected:       make(map[string]struct{}, len(spec.ProtectedColumns)),
	}
	for _, k := range spec.KeyColumns {
		if err := warehouse.ValidateIdent(k); err != nil {
			return Mapping{}, fmt.Errorf("schema: %s key column: %w", spec.Type, err)
		}
		if m.IsKey(k) {
			return Mapping{}, fmt.Errorf("schema: %s repeats key column %s", spec.Type, k)
		}
		m.keyColumns = append(m.keyColumns, k)
	}
	for _, c := range spec.ProtectedColumns {
		if err := warehouse.ValidateIdent(c); err != nil {
			return Mapping{}, fmt.Errorf("schema: %s protected column: %w", spec.Type, err)
		}
		if m.IsKey(c) {
			return Mapping{}, fmt.Errorf("schema: %s key column %s cannot be protected", spec.Type, c)
		}
		m.protected[c] = struct{}{}
	}
	return m, nil
}

// Mappings returns every mapping in processing order.
func (r *Registry) Mappings() []Mapping {
	out := make([]Mapping, len(r.mappings))
	copy(out, r.mappings)
	return out
}

// ForType returns the mapping for t.
func (r *Registry) ForType(t RecordType) (Mapping, error) {
	idx, ok := r.byType[t]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %s", ErrUnknownRecordType, t)
	}
	return r.mappings[idx], nil
}

// ForStagingTable returns the mapping fed by the named staging table.
func (r *Registry) ForStagingTable(name string) (Mapping, bool) {
	idx, ok := r.byType[RecordType(name)]
	if !ok {
		return Mapping{}, false
	}
	return r.mappings[idx], true
}
