package credentials

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSTS struct {
	calls   int
	lastDur int32
	err     error
	issue   func(n int) types.Credentials
}

func (f *fakeSTS) GetSessionToken(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error) {
	f.calls++
	f.lastDur = aws.ToInt32(params.DurationSeconds)
	if f.err != nil {
		return nil, f.err
	}
	creds := f.issue(f.calls)
	return &sts.GetSessionTokenOutput{Credentials: &creds}, nil
}

func issueNumbered(n int) types.Credentials {
	return types.Credentials{
		AccessKeyId:     aws.String(fmt.Sprintf("AKIA%04d", n)),
		SecretAccessKey: aws.String(fmt.Sprintf("secret-%d", n)),
		SessionToken:    aws.String(fmt.Sprintf("token-%d", n)),
		Expiration:      aws.Time(time.Now().Add(time.Hour)),
	}
}

func TestSupplierRefresh(t *testing.T) {
	api := &fakeSTS{issue: issueNumbered}
	s := NewSupplier(api, zerolog.Nop())

	creds, err := s.Refresh(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "AKIA0001", creds.AccessKeyID)
	assert.True(t, creds.Valid())
	assert.Equal(t, int32(3600), api.lastDur)
	assert.Equal(t, creds, s.Current())
}

func TestSupplierLatestWins(t *testing.T) {
	api := &fakeSTS{issue: issueNumbered}
	s := NewSupplier(api, zerolog.Nop())

	_, err := s.Refresh(context.Background(), time.Hour)
	require.NoError(t, err)
	second, err := s.Refresh(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, api.calls)
	assert.Equal(t, "AKIA0002", s.Current().AccessKeyID)
	assert.Equal(t, second, s.Current())
}

func TestSupplierRefreshFailure(t *testing.T) {
	api := &fakeSTS{err: fmt.Errorf("sts unreachable")}
	s := NewSupplier(api, zerolog.Nop())

	_, err := s.Refresh(context.Background(), time.Hour)
	require.Error(t, err)

	var credErr *Error
	assert.ErrorAs(t, err, &credErr)
	assert.False(t, s.Current().Valid(), "a failed refresh leaves no usable credentials")
}

func TestSupplierRetrieve(t *testing.T) {
	api := &fakeSTS{issue: issueNumbered}
	s := NewSupplier(api, zerolog.Nop())

	// No credentials held yet
	_, err := s.Retrieve(context.Background())
	require.Error(t, err)

	_, err = s.Refresh(context.Background(), time.Hour)
	require.NoError(t, err)

	got, err := s.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIA0001", got.AccessKeyID)
	assert.Equal(t, "token-1", got.SessionToken)
	assert.True(t, got.CanExpire)
}

func TestSupplierExpiredCredentialsInvalid(t *testing.T) {
	api := &fakeSTS{issue: func(n int) types.Credentials {
		c := issueNumbered(n)
		c.Expiration = aws.Time(time.Now().Add(-time.Minute))
		return c
	}}
	s := NewSupplier(api, zerolog.Nop())

	_, err := s.Refresh(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.False(t, s.Current().Valid())

	_, err = s.Retrieve(context.Background())
	assert.Error(t, err, "expired credentials must never be handed to a client")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "AKIA****", redact("AKIA0001EXAMPLE"))
	assert.Equal(t, "****", redact("abc"))
	assert.Equal(t, "****", redact(""))
}
