package blobstore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/logger"
)

// LocalConfiguration configures the local filesystem backend.
type LocalConfiguration struct {
	// BasePath is the folder objects are stored below.
	BasePath string
	// PrivateKey signs pre-signed URLs. When nil, a throwaway key is
	// generated at startup. Throwaway keys only work in a single
	// instance configuration and do not survive a restart.
	PrivateKey *rsa.PrivateKey
}

// LocalFilesystem stores every object as a plain file below a base
// folder. Pre-signed URLs point at a route the driver registers on the
// gateway's router and carry an RSA signature over the canonical URL,
// so clients can neither forge them nor extend their expiry.
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
	privateKey *rsa.PrivateKey
}

const localFilesystemRoute = "/limen/filesystem"

// NewLocalFilesystem returns a new local filesystem driver and mounts
// its up- and download route on the router.
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration, publicURL url.URL) (*LocalFilesystem, error) {
	if config.BasePath == "" {
		return nil, fault.Validation.New("BasePath must not be empty")
	}
	privateKey := config.PrivateKey
	if privateKey == nil {
		logger.Default().Warn("no private key provided to sign storage URLs, a throwaway one will be generated")
		var err error
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
	}
	f := &LocalFilesystem{baseFolder: config.BasePath, publicURL: publicURL, privateKey: privateKey}
	if router != nil {
		logger.Default().Debugln("local blob storage route enabled:", localFilesystemRoute)
		router.Handle(localFilesystemRoute, http.HandlerFunc(f.handler)).
			Methods(http.MethodGet, http.MethodPut)
	}
	return f, nil
}

// checkKey rejects keys that could escape the base folder.
func checkKey(key string) error {
	if key == "" {
		return fault.Validation.New("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fault.Validation.New("'..' is not allowed in a key")
	}
	if strings.HasPrefix(key, "/") {
		return fault.Validation.New("key must not start with '/'")
	}
	return nil
}

// objectPath returns the file an object lives in. Every key gets its
// own directory with a single "file" inside, which keeps prefixes
// aligned with directories.
func (f *LocalFilesystem) objectPath(key string) string {
	return filepath.Join(f.baseFolder, filepath.FromSlash(key), "file")
}

// Put stores data under key.
func (f *LocalFilesystem) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	dir := filepath.Join(f.baseFolder, filepath.FromSlash(key))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "file"), data, 0600)
}

// Get returns the object stored under key.
func (f *LocalFilesystem) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.objectPath(key))
	if os.IsNotExist(err) {
		return nil, fault.NotFound.New("no object for key '%s'", key)
	}
	return data, err
}

// Delete removes the object stored under key.
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := os.Remove(f.objectPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	// prune the key directory, unless other keys still nest below it
	os.Remove(filepath.Join(f.baseFolder, filepath.FromSlash(key)))
	return nil
}

// DeleteAllWithPrefix removes every object whose key starts with prefix.
func (f *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	keys, err := f.ListAllWithPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := f.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ListAllWithPrefix returns the keys of all objects starting with
// prefix, in lexical order.
func (f *LocalFilesystem) ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.baseFolder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				// nothing was stored yet
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != "file" {
			return nil
		}
		rel, err := filepath.Rel(f.baseFolder, filepath.Dir(path))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// GetPreSignedURL returns a URL that can be used with the given method
// on key until expireIn has passed.
func (f *LocalFilesystem) GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if method != Get && method != Put {
		return "", fault.Validation.New("unsupported method to presign '%s'", method)
	}
	v := url.Values{}
	v.Set("key", key)
	v.Set("expiry", time.Now().Add(expireIn).UTC().Format(time.RFC3339))
	v.Set("method", string(method))
	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     f.publicURL.Path + localFilesystemRoute,
		RawQuery: v.Encode(),
	}

	data, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	hashed := sha256.Sum256(data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, f.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", err
	}

	v.Set("signature", base64.RawURLEncoding.EncodeToString(signature))
	u.RawQuery = v.Encode()
	return u.String(), nil
}

// isValid tells whether this URL carries a valid, unexpired signature.
func (f *LocalFilesystem) isValid(URL string) bool {
	u, err := url.Parse(URL)
	if err != nil {
		return false
	}
	v := u.Query()
	key := v.Get("key")
	if checkKey(key) != nil {
		return false
	}
	expiry, err := time.Parse(time.RFC3339, v.Get("expiry"))
	if err != nil || expiry.Before(time.Now()) {
		return false
	}
	signature, err := base64.RawURLEncoding.DecodeString(v.Get("signature"))
	if err != nil {
		return false
	}
	v.Del("signature")
	u.RawQuery = v.Encode()

	data, err := json.Marshal(*u)
	if err != nil {
		return false
	}
	hashed := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(&f.privateKey.PublicKey, crypto.SHA256, hashed[:], signature) == nil
}

// handler serves the pre-signed up- and download route. The signature
// covers key, method and expiry, so everything beyond the signature
// check is a plain file exchange.
func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	u := *r.URL
	if u.Scheme == "" && u.Host == "" {
		u.Scheme = f.publicURL.Scheme
		u.Host = f.publicURL.Host
	}
	if !f.isValid(u.String()) {
		logger.FromContext(r.Context()).Errorf("invalid signature for %s", u.String())
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	v := r.URL.Query()
	key := v.Get("key")
	if r.Method != v.Get("method") {
		logger.FromContext(r.Context()).Errorf("signature valid for %s, but used for %s on key '%s'", v.Get("method"), r.Method, key)
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		http.ServeFile(w, r, f.objectPath(key))
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorf("cannot read upload for key '%s'", key)
			http.Error(w, "cannot read upload", http.StatusInternalServerError)
			return
		}
		if err := f.Put(r.Context(), key, data); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorf("cannot store upload for key '%s'", key)
			http.Error(w, fault.Message(err), fault.HTTPStatus(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
