package registry

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/limen/core/csql"
)

// TestService holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type TestService struct {
	Postgres string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	registry Registry
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil && testService.Postgres == "" {
		fmt.Println("skipping registry tests, POSTGRES not set")
		os.Exit(0)
	}
	if testService.Postgres == "" {
		fmt.Println("skipping registry tests, POSTGRES not set")
		os.Exit(0)
	}

	db := csql.OpenWithSchema(testService.Postgres, "_registry_unit_test_")
	defer db.Close()
	db.ClearSchema()

	testService.registry = New(db)

	code := m.Run()
	os.Exit(code)
}

func TestRegistry(t *testing.T) {

	type foo struct {
		A string
		B string
	}

	write := foo{
		A: "Hello",
		B: "World",
	}

	ctx := context.Background()
	testRegistry := testService.registry.Accessor("_test_")

	// test non-existing key
	var something interface{}
	createdAt, err := testRegistry.Read(ctx, "key does not exist", something)
	if err != nil {
		t.Fatal(err)
	}
	if !createdAt.IsZero() {
		t.Fatal("non existing key seems to exist")
	}

	now := time.Now()
	err = testRegistry.Write(ctx, "test", write)
	if err != nil {
		t.Fatal(err)
	}
	var read foo
	createdAt, err = testRegistry.Read(ctx, "test", &read)
	if err != nil {
		t.Fatal(err)
	}

	if read.A != write.A || read.B != write.B {
		t.Fatal("could not read what I wrote")
	}
	if createdAt.Sub(now) > time.Second {
		t.Fatal("created at is off")
	}

	if err = testRegistry.Delete(ctx, "test"); err != nil {
		t.Fatal(err)
	}
	createdAt, err = testRegistry.Read(ctx, "test", &read)
	if err != nil {
		t.Fatal(err)
	}
	if !createdAt.IsZero() {
		t.Fatal("deleted key still exists")
	}

}
