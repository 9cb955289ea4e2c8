package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/blobstore"
	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/rules"
)

// defaultPresignValidity bounds presigned URLs of buckets that do not
// configure their own validity.
const defaultPresignValidity = 15 * time.Minute

type storageListResponse struct {
	Bucket string   `json:"bucket"`
	Keys   []string `json:"keys"`
}

type presignResponse struct {
	URL string `json:"url"`
}

// authorizeBucket checks the bucket rules for the caller and returns
// the driver-side key prefix of the caller's namespace. For owner
// prefixed buckets the subject becomes part of every key, one caller
// cannot name another caller's objects.
func (g *Gateway) authorizeBucket(r *http.Request, bucket string) (rules.BucketRule, string, error) {
	rule, ok := g.rules.LookupBucket(bucket)
	if !ok {
		return rules.BucketRule{}, "", fault.Authorization.New("access to bucket '%s' not allowed", bucket)
	}
	identity := access.IdentityFromContext(r.Context())
	if rule.RequiredRole != "" {
		if !identity.Authenticated() {
			return rules.BucketRule{}, "", fault.Auth.New("authentication required for bucket '%s'", bucket)
		}
		if !identity.Satisfies(rule.RequiredRole) {
			return rules.BucketRule{}, "", fault.Authorization.New("role '%s' required for bucket '%s'", rule.RequiredRole, bucket)
		}
	}
	prefix := bucket + "/"
	if rule.OwnerPrefixed {
		if !identity.Authenticated() {
			return rules.BucketRule{}, "", fault.Auth.New("authentication required for bucket '%s'", bucket)
		}
		prefix += identity.Subject + "/"
	}
	return rule, prefix, nil
}

func (g *Gateway) storageList(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	_, prefix, err := g.authorizeBucket(r, bucket)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	keys, err := g.blobs.ListAllWithPrefix(r.Context(), prefix+r.URL.Query().Get("prefix"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, prefix))
	}
	writeJSON(w, http.StatusOK, storageListResponse{Bucket: bucket, Keys: names})
}

func (g *Gateway) storageObject(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	bucket := params["bucket"]
	rule, prefix, err := g.authorizeBucket(r, bucket)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	ctx := r.Context()
	key := prefix + params["key"]
	presign := r.URL.Query().Get("presign") == "true"
	validity := defaultPresignValidity
	if rule.PresignedURLValidity > 0 {
		validity = time.Duration(rule.PresignedURLValidity) * time.Second
	}

	switch r.Method {
	case http.MethodGet:
		if presign {
			url, err := g.blobs.GetPreSignedURL(ctx, blobstore.Get, key, validity)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, presignResponse{URL: url})
			return
		}
		data, err := g.blobs.Get(ctx, key)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if rule.MaxAgeCache > 0 {
			w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", rule.MaxAgeCache))
		}
		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.Write(data)

	case http.MethodPut:
		if !rule.Mutable {
			exists, err := g.objectExists(ctx, key)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			if exists {
				WriteError(w, r, fault.Authorization.New("bucket '%s' is write-once", bucket))
				return
			}
		}
		if presign {
			url, err := g.blobs.GetPreSignedURL(ctx, blobstore.Put, key, validity)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, presignResponse{URL: url})
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, r, fault.Validation.New("cannot read request body: %v", err))
			return
		}
		if err := g.blobs.Put(ctx, key, data); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if !rule.Mutable {
			WriteError(w, r, fault.Authorization.New("bucket '%s' is write-once", bucket))
			return
		}
		if err := g.blobs.Delete(ctx, key); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// objectExists probes the driver for an exact key. The prefix listing
// also matches longer keys, hence the filter.
func (g *Gateway) objectExists(ctx context.Context, key string) (bool, error) {
	keys, err := g.blobs.ListAllWithPrefix(ctx, key)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}
