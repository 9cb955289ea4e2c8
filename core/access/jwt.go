package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"

	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/logger"
	"github.com/relabs-tech/limen/core/registry"
)

// JwtVerifierBuilder is a helper builder for JwtVerifier
type JwtVerifierBuilder struct {
	// Secret enables symmetric HS256 verification when set
	Secret string
	// PublicKeyDownloadURL is the download url for public keys. In case of google, this would be
	//  "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	// Enables RS256 verification.
	PublicKeyDownloadURL string
	// Issuer is the accepted issuer for the token
	Issuer string
	// DB is the postgres database used to cache downloaded keys across
	// restarts. Required when PublicKeyDownloadURL is set.
	DB *csql.DB
}

// JwtVerifier validates JWT bearer tokens locally.
//
// HS256 tokens are verified against the shared secret, RS256 tokens
// against the downloaded well-known public keys. The key set is cached in
// the registry and refreshed when it is older than six hours, or when a
// token arrives with an unknown key id (at most once per minute, the
// provider may have rotated its keys).
type JwtVerifier struct {
	builder     JwtVerifierBuilder
	jwtRegistry registry.Accessor

	mutex         sync.RWMutex
	wellKnownKeys map[string]interface{}
	lastRefresh   time.Time
}

// NewJwtVerifier returns a verifier for JWT bearer tokens.
func NewJwtVerifier(b *JwtVerifierBuilder) *JwtVerifier {
	v := &JwtVerifier{
		builder:       *b,
		wellKnownKeys: make(map[string]interface{}),
	}
	if len(b.PublicKeyDownloadURL) > 0 {
		if b.DB == nil {
			panic("jwt verifier requires DB to cache downloaded keys")
		}
		v.jwtRegistry = registry.New(b.DB).Accessor("_jwt_")
		if err := v.refreshKeys(context.Background(), false); err != nil {
			logger.Default().WithError(err).Warning("cannot refresh public keys, continuing with cached set")
		}
	}
	return v
}

func (v *JwtVerifier) refreshKeys(ctx context.Context, force bool) error {
	var wellKnownCertificates map[string]string
	timestamp, err := v.jwtRegistry.Read(ctx, v.builder.PublicKeyDownloadURL, &wellKnownCertificates)
	if err != nil {
		return err
	}
	if force || time.Since(timestamp) > 6*time.Hour {
		// time to check for new keys
		res, err := http.Get(v.builder.PublicKeyDownloadURL)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		decoder := json.NewDecoder(res.Body)
		if err = decoder.Decode(&wellKnownCertificates); err != nil {
			return err
		}
		if err = v.jwtRegistry.Write(ctx, v.builder.PublicKeyDownloadURL, wellKnownCertificates); err != nil {
			return err
		}
	}

	keys := make(map[string]interface{})
	for kid, cert := range wellKnownCertificates {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		if err != nil {
			logger.Default().WithError(err).Warningf("certificate error for kid %s", kid)
		} else {
			keys[kid] = key
		}
	}
	v.mutex.Lock()
	v.wellKnownKeys = keys
	v.lastRefresh = time.Now()
	v.mutex.Unlock()
	return nil
}

func (v *JwtVerifier) wellKnownKey(kid string) (interface{}, bool) {
	v.mutex.RLock()
	defer v.mutex.RUnlock()
	key, ok := v.wellKnownKeys[kid]
	return key, ok
}

func (v *JwtVerifier) lookupKey(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.builder.Secret) == 0 {
			return nil, errors.New("hmac tokens not accepted")
		}
		return []byte(v.builder.Secret), nil
	case *jwt.SigningMethodRSA:
		kid, _ := token.Header["kid"].(string)
		if key, ok := v.wellKnownKey(kid); ok {
			return key, nil
		}
		v.mutex.RLock()
		refreshable := len(v.builder.PublicKeyDownloadURL) > 0 && time.Since(v.lastRefresh) > time.Minute
		count := len(v.wellKnownKeys)
		v.mutex.RUnlock()
		if refreshable {
			if err := v.refreshKeys(context.Background(), true); err != nil {
				logger.Default().WithError(err).Warning("cannot refresh public keys")
			} else if key, ok := v.wellKnownKey(kid); ok {
				return key, nil
			}
		}
		logger.Default().Warningf("have %d well known keys, but not this one", count)
		return nil, errors.New("cannot verify token")
	default:
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
}

// Verify implements the Verifier interface
func (v *JwtVerifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	claims := struct {
		EMail string   `json:"email"`
		Roles []string `json:"roles"`
		jwt.RegisteredClaims
	}{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, v.lookupKey)
	if err != nil || !token.Valid {
		return nil, fault.Auth.New("invalid token")
	}
	if len(v.builder.Issuer) > 0 && claims.Issuer != v.builder.Issuer {
		return nil, fault.Auth.New("invalid token issuer")
	}

	subject := claims.Subject
	if len(subject) == 0 {
		// legacy tokens carry no subject, their identity is a combination
		// of issuer and email
		subject = claims.Issuer + "|" + claims.EMail
	}
	return &Identity{Subject: subject, Roles: claims.Roles}, nil
}
