package core

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestOperations_JSON_Unmarshalling(t *testing.T) {

	type Object struct {
		Operations []Operation `json:"operations"`
	}
	var object Object
	jsonRead := `{"operations":["select","insert","update","delete","upsert"]}`
	err := json.Unmarshal([]byte(jsonRead), &object)
	if err != nil {
		t.Fatal(err)
	}

	jsonRead = `{"operations":["truncate"]}`
	err = json.Unmarshal([]byte(jsonRead), &object)
	if err == nil {
		t.Fatal("invalid operation accepted")
	}

}

func TestChangeKind_JSON_Unmarshalling(t *testing.T) {

	type Object struct {
		Kinds []ChangeKind `json:"kinds"`
	}
	var object Object
	err := json.Unmarshal([]byte(`{"kinds":["INSERT","UPDATE","DELETE","*"]}`), &object)
	if err != nil {
		t.Fatal(err)
	}

	err = json.Unmarshal([]byte(`{"kinds":["TRUNCATE"]}`), &object)
	if err == nil {
		t.Fatal("invalid change kind accepted")
	}

}

func TestChangeKindForOperation(t *testing.T) {
	if ChangeKindForOperation(OperationInsert) != ChangeInsert {
		t.Fatal("insert must map to INSERT")
	}
	if ChangeKindForOperation(OperationUpdate) != ChangeUpdate {
		t.Fatal("update must map to UPDATE")
	}
	if ChangeKindForOperation(OperationDelete) != ChangeDelete {
		t.Fatal("delete must map to DELETE")
	}
}
