package client

import (
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/blobstore"
	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/gateway"
	"github.com/relabs-tech/limen/core/rules"
	"github.com/relabs-tech/limen/core/txn"
)

// TestService holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type TestService struct {
	Postgres string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	db       *csql.DB
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil && testService.Postgres == "" {
		fmt.Println("skipping end-to-end tests, POSTGRES not set")
		os.Exit(m.Run())
	}
	if testService.Postgres == "" {
		fmt.Println("skipping end-to-end tests, POSTGRES not set")
		os.Exit(m.Run())
	}

	db := csql.OpenWithSchema(testService.Postgres, "_client_unit_test_")
	defer db.Close()
	db.ClearSchema()

	if _, err := db.Exec(`CREATE TABLE ` + db.Schema + `."tasks" (
id uuid NOT NULL DEFAULT uuid_generate_v4(),
user_id varchar NOT NULL,
title varchar NOT NULL DEFAULT '',
done boolean NOT NULL DEFAULT false,
PRIMARY KEY (id)
);`); err != nil {
		panic(err)
	}
	if _, err := db.Exec(`CREATE TABLE ` + db.Schema + `."towns" (
name varchar NOT NULL,
population integer NOT NULL DEFAULT 0,
PRIMARY KEY (name)
);`); err != nil {
		panic(err)
	}

	testService.db = db
	code := m.Run()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	if testService.db == nil {
		t.Skip("POSTGRES not set")
	}
}

var testRules = rules.MustNew(rules.Configuration{
	Resources: []rules.ResourceRule{
		{Resource: "tasks", OwnerOnly: true},
		{Resource: "towns", PrimaryKey: "name"},
	},
	Buckets: []rules.BucketRule{
		{Bucket: "media", Mutable: true},
	},
})

var testVerifier = access.StaticVerifier{
	"alice-token": {Subject: "alice"},
	"bob-token":   {Subject: "bob"},
}

func newTestRouter(t *testing.T, b *gateway.Builder) *mux.Router {
	t.Helper()
	if b == nil {
		b = &gateway.Builder{}
	}
	if b.Router == nil {
		b.Router = mux.NewRouter()
	}
	if b.Rules == nil {
		b.Rules = testRules
	}
	if b.DB == nil {
		b.DB = testService.db
	}
	if b.DB == nil {
		b.DB = &csql.DB{}
	}
	if b.Verifier == nil {
		b.Verifier = testVerifier
	}
	gateway.New(b)
	return b.Router
}

func TestClient_Identity(t *testing.T) {
	router := newTestRouter(t, nil)

	identity, err := NewWithRouter(router).Identity()
	assert.NoError(t, err)
	assert.Nil(t, identity)

	identity, err = NewWithRouter(router).WithToken("alice-token").Identity()
	assert.NoError(t, err)
	if assert.NotNil(t, identity) {
		assert.Equal(t, "alice", identity.Subject)
	}

	// in-process clients can bypass token verification entirely
	identity, err = NewWithRouter(router).WithIdentity(&access.Identity{Subject: "carol"}).Identity()
	assert.NoError(t, err)
	if assert.NotNil(t, identity) {
		assert.Equal(t, "carol", identity.Subject)
	}
}

func TestClient_PermissionErrors(t *testing.T) {
	router := newTestRouter(t, nil)
	client := NewWithRouter(router)

	status, err := client.Table("secrets").Select().Do(nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.ErrorContains(t, err, "access to resource 'secrets' not allowed")

	status, err = client.Table("tasks").Select().Do(nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.ErrorContains(t, err, "authentication required")

	// the error carries the server's message, not just the status
	_, err = client.Table("secrets").Delete(nil)
	assert.ErrorContains(t, err, "request failed with status 403")
}

func TestClient_WithHeaderDoesNotLeak(t *testing.T) {
	base := NewWithRouter(nil).WithHeader("X-A", "1")
	derived := base.WithHeader("X-B", "2")
	assert.Equal(t, map[string]string{"X-A": "1"}, base.defaultHeaders)
	assert.Equal(t, map[string]string{"X-A": "1", "X-B": "2"}, derived.defaultHeaders)
}

func TestClient_StaleTransaction(t *testing.T) {
	router := newTestRouter(t, nil)
	stale := Transaction{
		Client: NewWithRouter(router).WithHeader(txn.HeaderTransactionID, "dead-beef"),
		ID:     "dead-beef",
	}

	_, err := stale.Table("towns").Select().Do(nil)
	assert.ErrorContains(t, err, "expired or unknown")
	assert.ErrorContains(t, stale.Commit(), "expired or unknown")
	assert.ErrorContains(t, stale.Rollback(), "expired or unknown")
}

func TestClient_Bucket(t *testing.T) {
	blobs, err := blobstore.NewDriver(nil, "http://blobs.test", blobstore.Configuration{
		DriverType:         blobstore.DriverTypeLocal,
		LocalConfiguration: &blobstore.LocalConfiguration{BasePath: t.TempDir()},
	})
	if err != nil {
		t.Fatal(err)
	}
	router := newTestRouter(t, &gateway.Builder{Blobs: blobs})
	bucket := NewWithRouter(router).Bucket("media")

	status, err := bucket.Put("clips/intro.mp4", []byte("mp4 bytes"))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	var blob []byte
	status, err = bucket.Get("clips/intro.mp4", &blob)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("mp4 bytes"), blob)

	keys, status, err := bucket.List("clips/")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"clips/intro.mp4"}, keys)

	url, err := bucket.PresignPut("clips/big.mp4")
	assert.NoError(t, err)
	assert.Contains(t, url, "signature=")

	url, err = bucket.PresignGet("clips/intro.mp4")
	assert.NoError(t, err)
	assert.Contains(t, url, "signature=")

	status, err = bucket.Delete("clips/intro.mp4")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	keys, _, err = bucket.List("")
	assert.NoError(t, err)
	assert.Len(t, keys, 0)

	_, err = NewWithRouter(router).Bucket("classified").Put("x", []byte("y"))
	assert.ErrorContains(t, err, "access to bucket 'classified' not allowed")
}

func TestClient_EndToEnd(t *testing.T) {
	requireDB(t)
	router := newTestRouter(t, nil)

	type task struct {
		ID     string `json:"id,omitempty"`
		UserID string `json:"user_id,omitempty"`
		Title  string `json:"title"`
		Done   bool   `json:"done"`
	}

	alice := NewWithRouter(router).WithToken("alice-token")
	tasks := alice.Table("tasks")

	var created []task
	status, err := tasks.Insert([]task{{Title: "water the plants"}, {Title: "file the report"}}, &created)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	if assert.Len(t, created, 2) {
		assert.Equal(t, "alice", created[0].UserID)
		assert.NotEmpty(t, created[0].ID)
	}

	// ownership scopes bob out
	bob := NewWithRouter(router).WithToken("bob-token")
	var all []task
	count, status, err := bob.Table("tasks").Select().DoWithCount(&all)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, count)
	assert.Len(t, all, 0)

	var page []task
	count, _, err = tasks.Select("title").OrderDesc("title").Limit(1).DoWithCount(&page)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
	if assert.Len(t, page, 1) {
		assert.Equal(t, "water the plants", page[0].Title)
	}

	var single task
	status, err = tasks.Select().Where("title", "file the report").One(&single)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, single.Done)

	rows, status, err := tasks.Update(map[string]any{"done": true}, map[string]any{"title": "file the report"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, rows)

	rows, _, err = tasks.Delete(nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, rows)
}

func TestClient_Upsert(t *testing.T) {
	requireDB(t)
	router := newTestRouter(t, nil)
	towns := NewWithRouter(router).Table("towns")

	type town struct {
		Name       string `json:"name"`
		Population int    `json:"population"`
	}

	// nil onConflict falls back to the table's primary key
	for _, population := range []int{92000, 96000} {
		status, err := towns.Upsert(town{Name: "delft", Population: population}, nil, nil)
		assert.NoError(t, err)
		assert.Equal(t, http.StatusCreated, status)
	}

	var result town
	_, err := towns.Select().Where("name", "delft").One(&result)
	assert.NoError(t, err)
	assert.Equal(t, 96000, result.Population)
}

func TestClient_Transaction(t *testing.T) {
	requireDB(t)
	router := newTestRouter(t, nil)
	client := NewWithRouter(router).WithToken("alice-token")

	tx, err := client.BeginTransaction()
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEmpty(t, tx.ID)

	status, err := tx.Table("towns").Insert(map[string]any{"name": "gouda", "population": 75000}, nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	// invisible until commit
	var rows []map[string]any
	_, err = client.Table("towns").Select().Where("name", "gouda").Do(&rows)
	assert.NoError(t, err)
	assert.Len(t, rows, 0)

	assert.NoError(t, tx.Commit())

	_, err = client.Table("towns").Select().Where("name", "gouda").Do(&rows)
	assert.NoError(t, err)
	assert.Len(t, rows, 1)

	// a rolled back transaction leaves no trace
	tx, err = client.BeginTransaction()
	if err != nil {
		t.Fatal(err)
	}
	_, err = tx.Table("towns").Insert(map[string]any{"name": "edam", "population": 7000}, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.Rollback())

	rows = nil
	_, err = client.Table("towns").Select().Where("name", "edam").Do(&rows)
	assert.NoError(t, err)
	assert.Len(t, rows, 0)
}
