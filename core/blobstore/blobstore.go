// Package blobstore stores large binary objects outside of the SQL
// database. There are two possible backends: a local filesystem and
// AWS S3.
//
// The gateway streams object bytes through its /storage endpoints and
// can alternatively hand out pre-signed URLs which let clients exchange
// the bytes with the backend directly.
package blobstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
)

// Method restricts what a pre-signed URL can be used with.
type Method string

// The methods a URL can be signed for.
const (
	Get Method = http.MethodGet
	Put Method = http.MethodPut
)

// DriverType selects the blob storage backend.
type DriverType string

const (
	// DriverTypeLocal stores objects on the local filesystem.
	DriverTypeLocal DriverType = "Local"
	// DriverTypeAWSS3 stores objects in an AWS S3 bucket.
	DriverTypeAWSS3 DriverType = "AWSS3"
	// None disables blob storage.
	None DriverType = ""
)

// Driver is the interface implemented by every blob storage backend.
// Keys may contain slashes, drivers treat them as flat names.
type Driver interface {
	// Put stores data under key, overwriting any previous object.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object stored under key. Deleting a key that
	// does not exist is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteAllWithPrefix removes every object whose key starts with prefix.
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
	// ListAllWithPrefix returns the keys of all objects starting with
	// prefix, in lexical order.
	ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error)
	// GetPreSignedURL returns a URL that can be used with the given
	// method on key until expireIn has passed.
	GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error)
}

// Configuration selects and configures the blob storage backend.
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// NewDriver creates the driver selected by config. The router is only
// needed for the local driver, which serves pre-signed URLs itself;
// publicURL is the outside address those URLs are built on. A None
// driver type yields a nil driver and no error.
func NewDriver(router *mux.Router, publicURL string, config Configuration) (Driver, error) {
	switch config.DriverType {
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, fmt.Errorf("blob storage expecting a configuration for the local driver, but got nothing")
		}
		u, err := url.Parse(publicURL)
		if err != nil {
			return nil, fmt.Errorf("cannot parse url %s %w", publicURL, err)
		}
		return NewLocalFilesystem(router, *config.LocalConfiguration, *u)
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("blob storage expecting a configuration for the S3 driver, but got nothing")
		}
		return NewS3(*config.S3Configuration)
	case None:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown blob storage driver type '%s'", config.DriverType)
}
