// Package credentials owns the process-wide refreshable AWS credential
// triple consumed by the Bedrock text-generation collaborator.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
)

// Credentials is a session-token triple with its expiry.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ExpiresAt       time.Time
}

// Valid reports whether the triple is populated and not yet expired.
func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && time.Now().Before(c.ExpiresAt)
}

// Error wraps any failure to obtain credentials. Session setup must
// abort on it rather than start with stale or empty credentials.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("credential refresh failed: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// API is the STS surface the supplier needs.
type API interface {
	GetSessionToken(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error)
}

// Supplier refreshes and holds the current credentials. Refresh is
// idempotent and safe to race: the latest issued triple wins.
type Supplier struct {
	api API
	log zerolog.Logger

	mu      sync.RWMutex
	current Credentials
}

// NewSupplier builds a supplier over an STS client.
func NewSupplier(api API, log zerolog.Logger) *Supplier {
	return &Supplier{
		api: api,
		log: log.With().Str("component", "credentials").Logger(),
	}
}

// NewSTSSupplier builds a supplier backed by the real STS service.
func NewSTSSupplier(ctx context.Context, region string, log zerolog.Logger) (*Supplier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, &Error{Err: err}
	}
	return NewSupplier(sts.NewFromConfig(cfg), log), nil
}

// Refresh obtains a new session-token triple valid for the given
// duration and installs it as the current one.
func (s *Supplier) Refresh(ctx context.Context, duration time.Duration) (Credentials, error) {
	secs := int32(duration / time.Second)
	out, err := s.api.GetSessionToken(ctx, &sts.GetSessionTokenInput{
		DurationSeconds: aws.Int32(secs),
	})
	if err != nil {
		return Credentials{}, &Error{Err: err}
	}
	if out.Credentials == nil {
		return Credentials{}, &Error{Err: fmt.Errorf("empty credentials in STS response")}
	}

	creds := Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		ExpiresAt:       aws.ToTime(out.Credentials.Expiration),
	}

	s.mu.Lock()
	s.current = creds
	s.mu.Unlock()

	s.log.Info().
		Str("access_key_id", redact(creds.AccessKeyID)).
		Time("expires_at", creds.ExpiresAt).
		Msg("credentials refreshed")

	return creds, nil
}

// Current returns the most recently issued credentials.
func (s *Supplier) Current() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Retrieve implements aws.CredentialsProvider so model-calling clients
// consume whatever triple is current at call time.
func (s *Supplier) Retrieve(ctx context.Context) (aws.Credentials, error) {
	creds := s.Current()
	if !creds.Valid() {
		return aws.Credentials{}, &Error{Err: fmt.Errorf("no valid credentials held")}
	}
	return aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		CanExpire:       true,
		Expires:         creds.ExpiresAt,
		Source:          "teller-audio/credentials",
	}, nil
}

// redact keeps enough of a key id to correlate log lines without
// exposing secret material.
func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
