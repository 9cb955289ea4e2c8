package access

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/limen/core/fault"
)

// ProviderVerifierBuilder is a helper builder for ProviderVerifier
type ProviderVerifierBuilder struct {
	// VerifyURL is the provider endpoint that validates a bearer token
	VerifyURL string
	// ServiceKey authenticates the gateway itself against the provider
	ServiceKey string
	// Timeout bounds the provider round trip, defaults to 5 seconds
	Timeout time.Duration
}

// ProviderVerifier delegates credential verification to the upstream
// identity provider. The token is posted to the verification endpoint and
// the provider answers with the subject it stands for.
type ProviderVerifier struct {
	builder ProviderVerifierBuilder
	client  *http.Client
}

// NewProviderVerifier returns a verifier backed by the identity provider.
func NewProviderVerifier(b *ProviderVerifierBuilder) *ProviderVerifier {
	if len(b.VerifyURL) == 0 {
		panic("provider verifier requires a verify URL")
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ProviderVerifier{
		builder: *b,
		client:  &http.Client{Timeout: timeout},
	}
}

// Verify implements the Verifier interface
func (v *ProviderVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	body, _ := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.builder.VerifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(v.builder.ServiceKey) > 0 {
		req.Header.Set("Authorization", "Bearer "+v.builder.ServiceKey)
	}

	res, err := v.client.Do(req)
	if err != nil {
		return nil, fault.Upstream.Wrap(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fault.Auth.New("invalid token")
	}

	var answer struct {
		Subject    string            `json:"subject"`
		Roles      []string          `json:"roles"`
		Properties map[string]string `json:"properties"`
	}
	if err := json.NewDecoder(res.Body).Decode(&answer); err != nil || len(answer.Subject) == 0 {
		return nil, fault.Auth.New("invalid token")
	}
	return &Identity{
		Subject:    answer.Subject,
		Roles:      answer.Roles,
		Properties: answer.Properties,
	}, nil
}
