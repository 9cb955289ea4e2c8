package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation represents a data operation against a managed resource,
// one of Select, Insert, Update, Delete, Upsert
type Operation string

// all supported resource operations
const (
	OperationSelect Operation = "select"
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationUpsert Operation = "upsert"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationSelect, OperationInsert, OperationUpdate, OperationDelete, OperationUpsert:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// Writes reports whether the operation carries a payload that is written
// to the resource.
func (o Operation) Writes() bool {
	return o == OperationInsert || o == OperationUpdate || o == OperationUpsert
}

// ChangeKind classifies a row change reported to realtime subscribers,
// one of Insert, Update, Delete. ChangeAll subscribes to all of them.
type ChangeKind string

// all supported change kinds
const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
	ChangeAll    ChangeKind = "*"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (k *ChangeKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ChangeKind(s)
	switch *k {
	case ChangeInsert, ChangeUpdate, ChangeDelete, ChangeAll:
		return nil
	default:
		return fmt.Errorf("%s is not valid ChangeKind", s)
	}
}

// ChangeKindForOperation maps a successful write operation to the change
// kind reported to subscribers. Upserts report ChangeInsert, the insert
// versus update distinction for an individual row is only visible to the
// database change feed.
func ChangeKindForOperation(o Operation) ChangeKind {
	switch o {
	case OperationInsert, OperationUpsert:
		return ChangeInsert
	case OperationUpdate:
		return ChangeUpdate
	case OperationDelete:
		return ChangeDelete
	}
	return ChangeAll
}
