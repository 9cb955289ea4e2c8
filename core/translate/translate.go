// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package translate turns logical CRUD requests into scoped, validated
statements for the managed store.

Translation applies the permission rules for the requested resource to
the caller's identity: operation and role gates, identity scoping over
the primary key, an owner column or a symmetric column pair, forced
predicates and the column allow-list. Every rejection happens here,
before anything reaches the store. Symmetric ownership splits select,
update and delete into two sub-queries, one per participant column,
whose results the executor unions.
*/
package translate

import (
	"sort"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/filter"
	"github.com/relabs-tech/limen/core/rules"
)

// Request is a logical CRUD request as accepted by the gateway
// endpoints, before scoping.
type Request struct {
	Resource   string          `json:"table"`
	Columns    []string        `json:"columns,omitempty"`
	Where      map[string]any  `json:"where,omitempty"`
	Filters    []filter.Filter `json:"filters,omitempty"`
	Order      []filter.Order  `json:"order,omitempty"`
	Limit      *int            `json:"limit,omitempty"`
	Offset     *int            `json:"offset,omitempty"`
	Range      *filter.Page    `json:"range,omitempty"`
	Single     bool            `json:"single,omitempty"`
	Count      bool            `json:"count,omitempty"`
	Data       any             `json:"data,omitempty"`
	OnConflict []string        `json:"onConflict,omitempty"`
}

// Rows normalizes the data payload into a list of records.
func (r *Request) Rows() ([]map[string]any, error) {
	switch data := r.Data.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{data}, nil
	case []any:
		records := make([]map[string]any, 0, len(data))
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok {
				return nil, fault.Validation.New("data must be an object or an array of objects")
			}
			records = append(records, record)
		}
		return records, nil
	}
	return nil, fault.Validation.New("data must be an object or an array of objects")
}

// page normalizes limit+offset and the inclusive range into one
// internal representation, from = offset and to = offset + limit - 1.
func (r *Request) page() (filter.Page, error) {
	if r.Range != nil {
		if r.Limit != nil || r.Offset != nil {
			return filter.Page{}, fault.Validation.New("range and limit/offset cannot be combined")
		}
		page := filter.Range(r.Range.From, r.Range.To)
		if err := page.Validate(); err != nil {
			return filter.Page{}, fault.Validation.Wrap(err)
		}
		return page, nil
	}
	if r.Limit == nil && r.Offset == nil {
		return filter.Page{}, nil
	}
	if r.Limit == nil {
		return filter.Page{}, fault.Validation.New("offset needs a limit")
	}
	offset := 0
	if r.Offset != nil {
		offset = *r.Offset
	}
	page := filter.LimitOffset(*r.Limit, offset)
	if err := page.Validate(); err != nil {
		return filter.Page{}, fault.Validation.Wrap(err)
	}
	return page, nil
}

// Statement is one parameterized statement for the store.
type Statement struct {
	SQL  string
	Args []any
}

// ScopedQuery is the fully scoped execution plan for one request.
// Symmetric ownership produces two statements whose results the
// executor unions; the two predicates are mutually exclusive on the
// participant column pair, so the union cannot produce duplicates.
type ScopedQuery struct {
	Resource   string
	Operation  core.Operation
	Subject    string
	Single     bool
	Count      bool
	Returning  []string
	Page       filter.Page
	Statements []Statement
	Counts     []Statement
}

// Translator turns logical requests into scoped queries. It is
// stateless and safe for concurrent use.
type Translator struct {
	registry *rules.Registry
	schema   string
}

// New creates a translator for resources living in the given database
// schema. An empty schema selects public.
func New(registry *rules.Registry, schema string) *Translator {
	if registry == nil {
		panic("missing rules registry")
	}
	if schema == "" {
		schema = "public"
	}
	return &Translator{registry: registry, schema: schema}
}

// Translate applies the permission rules to the request and builds the
// scoped statements. All rejections are decided here, before any call
// to the store, so a rejected request can have no partial effects.
func (t *Translator) Translate(identity *access.Identity, operation core.Operation, req *Request) (*ScopedQuery, error) {
	rule, ok := t.registry.Lookup(req.Resource)
	if !ok {
		return nil, fault.Authorization.New("access to resource '%s' not allowed", req.Resource)
	}
	if !rule.Allows(operation) {
		return nil, fault.Authorization.New("operation %s not permitted on resource '%s'", operation, req.Resource)
	}
	subject := ""
	if identity != nil {
		subject = identity.Subject
	}
	if rule.RequiredRole != "" {
		if subject == "" {
			return nil, fault.Auth.New("authentication required for resource '%s'", req.Resource)
		}
		if !identity.Satisfies(rule.RequiredRole) {
			return nil, fault.Authorization.New("role '%s' required for resource '%s'", rule.RequiredRole, req.Resource)
		}
	}
	if subject == "" && (rule.SelfKeyed || rule.Symmetric() || rule.OwnerOnly) {
		return nil, fault.Auth.New("authentication required for resource '%s'", req.Resource)
	}

	returning, err := effectiveProjection(rule, req.Columns)
	if err != nil {
		return nil, err
	}

	switch operation {
	case core.OperationSelect:
		return t.translateSelect(rule, subject, req, returning)
	case core.OperationInsert:
		return t.translateInsert(rule, subject, req, returning)
	case core.OperationUpdate:
		return t.translateUpdate(rule, subject, req, returning)
	case core.OperationDelete:
		return t.translateDelete(rule, subject, req, returning)
	case core.OperationUpsert:
		return t.translateUpsert(rule, subject, req, returning)
	}
	return nil, fault.Validation.New("%s is not a valid operation", operation)
}

func (t *Translator) translateSelect(rule rules.ResourceRule, subject string, req *Request, returning []string) (*ScopedQuery, error) {
	predicates, participants, err := scopedPredicates(rule, subject, req)
	if err != nil {
		return nil, err
	}
	for _, o := range req.Order {
		if err := o.Validate(); err != nil {
			return nil, fault.Validation.Wrap(err)
		}
	}
	page, err := req.page()
	if err != nil {
		return nil, err
	}
	q := &ScopedQuery{
		Resource:  rule.Resource,
		Operation: core.OperationSelect,
		Subject:   subject,
		Single:    req.Single,
		Count:     req.Count,
		Returning: returning,
		Page:      page,
	}
	for _, statementFilters := range fanOut(predicates, participants) {
		statement, err := t.buildSelect(rule.Resource, returning, statementFilters, req.Order, page)
		if err != nil {
			return nil, err
		}
		q.Statements = append(q.Statements, statement)
		if req.Count {
			count, err := t.buildCount(rule.Resource, statementFilters)
			if err != nil {
				return nil, err
			}
			q.Counts = append(q.Counts, count)
		}
	}
	return q, nil
}

func (t *Translator) translateInsert(rule rules.ResourceRule, subject string, req *Request, returning []string) (*ScopedQuery, error) {
	rows, columns, err := writeRows(rule, subject, req)
	if err != nil {
		return nil, err
	}
	statement, err := t.buildInsert(rule.Resource, columns, rows, returning)
	if err != nil {
		return nil, err
	}
	return &ScopedQuery{
		Resource:   rule.Resource,
		Operation:  core.OperationInsert,
		Subject:    subject,
		Returning:  returning,
		Statements: []Statement{statement},
	}, nil
}

func (t *Translator) translateUpsert(rule rules.ResourceRule, subject string, req *Request, returning []string) (*ScopedQuery, error) {
	rows, columns, err := writeRows(rule, subject, req)
	if err != nil {
		return nil, err
	}
	conflict := req.OnConflict
	if len(conflict) == 0 {
		conflict = []string{rule.Key()}
	}
	for _, column := range conflict {
		if !filter.ValidIdentifier(column) {
			return nil, fault.Validation.New("invalid conflict column name '%s'", column)
		}
	}
	statement, err := t.buildUpsert(rule, subject, columns, rows, conflict, returning)
	if err != nil {
		return nil, err
	}
	return &ScopedQuery{
		Resource:   rule.Resource,
		Operation:  core.OperationUpsert,
		Subject:    subject,
		Returning:  returning,
		Statements: []Statement{statement},
	}, nil
}

func (t *Translator) translateUpdate(rule rules.ResourceRule, subject string, req *Request, returning []string) (*ScopedQuery, error) {
	rows, err := req.Rows()
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fault.Validation.New("update data must be a single object")
	}
	row := rows[0]
	if err := checkWriteColumns(rule, rows); err != nil {
		return nil, err
	}
	columns := updateColumns(rule, row)
	if len(columns) == 0 {
		return nil, fault.Validation.New("update data carries no updatable columns")
	}
	predicates, participants, err := scopedPredicates(rule, subject, req)
	if err != nil {
		return nil, err
	}
	if len(predicates) == 0 && len(participants) == 0 {
		return nil, fault.Validation.Wrap(&fault.MissingRequiredFieldError{Field: "where"})
	}
	q := &ScopedQuery{
		Resource:  rule.Resource,
		Operation: core.OperationUpdate,
		Subject:   subject,
		Returning: returning,
	}
	for _, statementFilters := range fanOut(predicates, participants) {
		statement, err := t.buildUpdate(rule.Resource, columns, row, statementFilters, returning)
		if err != nil {
			return nil, err
		}
		q.Statements = append(q.Statements, statement)
	}
	return q, nil
}

func (t *Translator) translateDelete(rule rules.ResourceRule, subject string, req *Request, returning []string) (*ScopedQuery, error) {
	predicates, participants, err := scopedPredicates(rule, subject, req)
	if err != nil {
		return nil, err
	}
	if len(predicates) == 0 && len(participants) == 0 {
		return nil, fault.Validation.Wrap(&fault.MissingRequiredFieldError{Field: "where"})
	}
	q := &ScopedQuery{
		Resource:  rule.Resource,
		Operation: core.OperationDelete,
		Subject:   subject,
		Returning: returning,
	}
	for _, statementFilters := range fanOut(predicates, participants) {
		statement, err := t.buildDelete(rule.Resource, statementFilters, returning)
		if err != nil {
			return nil, err
		}
		q.Statements = append(q.Statements, statement)
	}
	return q, nil
}

// scopedPredicates merges the client's predicates with the rule's
// identity scoping and forced predicates. The second return value
// carries the participant conditions of a symmetric resource, one per
// sub-query.
func scopedPredicates(rule rules.ResourceRule, subject string, req *Request) ([]filter.Filter, []filter.Filter, error) {
	predicates := filter.FromWhere(req.Where)
	predicates = append(predicates, req.Filters...)
	for _, f := range predicates {
		if err := f.Validate(); err != nil {
			return nil, nil, fault.Validation.Wrap(err)
		}
	}
	var participants []filter.Filter
	switch {
	case rule.SelfKeyed:
		predicates = discard(predicates, rule.Key())
		predicates = append(predicates, filter.Eq(rule.Key(), subject))
	case rule.Symmetric():
		predicates = discard(predicates, rule.ParticipantColumns...)
		for _, column := range rule.ParticipantColumns {
			participants = append(participants, filter.Eq(column, subject))
		}
	case rule.OwnerOnly:
		predicates = append(predicates, filter.Eq(rule.OwnerColumn(), subject))
	}
	if len(rule.ForcedPredicates) > 0 {
		columns := make([]string, 0, len(rule.ForcedPredicates))
		for column := range rule.ForcedPredicates {
			columns = append(columns, column)
		}
		sort.Strings(columns)
		predicates = discard(predicates, columns...)
		for _, column := range columns {
			predicates = append(predicates, filter.Eq(column, rule.ForcedPredicates[column]))
		}
	}
	return predicates, participants, nil
}

// discard drops top level conditions on the named columns. Scoping and
// forced predicates supersede client predicates on their columns, they
// are not merged with them. Conditions nested inside compounds stay,
// they are conjoined with the injected scope and can only narrow it.
func discard(filters []filter.Filter, columns ...string) []filter.Filter {
	kept := make([]filter.Filter, 0, len(filters))
	for _, f := range filters {
		drop := false
		if !f.Op.Compound() {
			for _, column := range columns {
				if f.Column == column {
					drop = true
					break
				}
			}
		}
		if !drop {
			kept = append(kept, f)
		}
	}
	return kept
}

// fanOut turns the shared predicates into one predicate list per
// statement, one per participant condition for symmetric rules.
func fanOut(predicates, participants []filter.Filter) [][]filter.Filter {
	if len(participants) == 0 {
		return [][]filter.Filter{predicates}
	}
	result := make([][]filter.Filter, 0, len(participants))
	for _, participant := range participants {
		combined := make([]filter.Filter, 0, len(predicates)+1)
		combined = append(combined, predicates...)
		combined = append(combined, participant)
		result = append(result, combined)
	}
	return result
}

// effectiveProjection resolves the select projection and returning
// list. A wildcard request on a resource with a column allow-list
// narrows to exactly the allowed columns, restricted columns can never
// leak through a star select.
func effectiveProjection(rule rules.ResourceRule, requested []string) ([]string, error) {
	wildcard := len(requested) == 0
	for _, column := range requested {
		if column == "*" {
			wildcard = true
			continue
		}
		if !filter.ValidIdentifier(column) {
			return nil, fault.Validation.New("invalid column name '%s'", column)
		}
	}
	if wildcard {
		if rule.AllowedColumns != nil {
			return append([]string(nil), rule.AllowedColumns...), nil
		}
		return []string{"*"}, nil
	}
	if violations := rule.RestrictedColumns(requested); len(violations) > 0 {
		return nil, fault.Authorization.Wrap(&fault.ColumnRestrictedError{Resource: rule.Resource, Columns: violations})
	}
	return requested, nil
}

// checkWriteColumns verifies the payload keys of a write against the
// column allow-list, reporting every offending column at once.
func checkWriteColumns(rule rules.ResourceRule, rows []map[string]any) error {
	seen := make(map[string]bool)
	var all []string
	for _, row := range rows {
		for column := range row {
			if !filter.ValidIdentifier(column) {
				return fault.Validation.New("invalid column name '%s'", column)
			}
			if !seen[column] {
				seen[column] = true
				all = append(all, column)
			}
		}
	}
	sort.Strings(all)
	if violations := rule.RestrictedColumns(all); len(violations) > 0 {
		return fault.Authorization.Wrap(&fault.ColumnRestrictedError{Resource: rule.Resource, Columns: violations})
	}
	return nil
}

// writeRows normalizes, checks and scopes the payload rows for insert
// and upsert, and returns them with their shared sorted column set.
func writeRows(rule rules.ResourceRule, subject string, req *Request) ([]map[string]any, []string, error) {
	rows, err := req.Rows()
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, fault.Validation.Wrap(&fault.MissingRequiredFieldError{Field: "data"})
	}
	if err := checkWriteColumns(rule, rows); err != nil {
		return nil, nil, err
	}
	scoped := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		record, err := scopeWriteRow(rule, subject, row)
		if err != nil {
			return nil, nil, err
		}
		scoped = append(scoped, record)
	}
	columns, err := uniformColumns(scoped)
	if err != nil {
		return nil, nil, err
	}
	return scoped, columns, nil
}

// scopeWriteRow applies identity scoping to one payload row. Self keyed
// and owner scoped resources get the caller injected, overriding
// whatever the client sent. A symmetric resource requires the caller to
// be one of the two participants.
func scopeWriteRow(rule rules.ResourceRule, subject string, row map[string]any) (map[string]any, error) {
	record := make(map[string]any, len(row)+1)
	for column, value := range row {
		record[column] = value
	}
	switch {
	case rule.SelfKeyed:
		record[rule.Key()] = subject
	case rule.Symmetric():
		first, second := rule.ParticipantColumns[0], rule.ParticipantColumns[1]
		if record[first] != subject && record[second] != subject {
			return nil, fault.Authorization.New("writing to resource '%s' requires the caller as '%s' or '%s'", rule.Resource, first, second)
		}
	case rule.OwnerOnly:
		record[rule.OwnerColumn()] = subject
	}
	return record, nil
}

// updateColumns returns the sorted SET columns for an update, with the
// rule's scoping columns dropped. Ownership is established by the
// predicate set, an update payload cannot move a row to another owner.
func updateColumns(rule rules.ResourceRule, row map[string]any) []string {
	var drop []string
	switch {
	case rule.SelfKeyed:
		drop = []string{rule.Key()}
	case rule.Symmetric():
		drop = rule.ParticipantColumns
	case rule.OwnerOnly:
		drop = []string{rule.OwnerColumn()}
	}
	columns := make([]string, 0, len(row))
	for column := range row {
		dropped := false
		for _, d := range drop {
			if column == d {
				dropped = true
				break
			}
		}
		if !dropped {
			columns = append(columns, column)
		}
	}
	sort.Strings(columns)
	return columns
}

// uniformColumns returns the sorted column set shared by all rows.
// Rows with differing keys cannot go into one statement.
func uniformColumns(rows []map[string]any) ([]string, error) {
	columns := make([]string, 0, len(rows[0]))
	for column := range rows[0] {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	for _, row := range rows[1:] {
		if len(row) != len(columns) {
			return nil, fault.Validation.New("all data rows must share the same columns")
		}
		for _, column := range columns {
			if _, ok := row[column]; !ok {
				return nil, fault.Validation.New("all data rows must share the same columns")
			}
		}
	}
	return columns, nil
}
