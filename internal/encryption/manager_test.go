package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemeral-auth/internal/config"
)

type fakeKMS struct {
	input *kms.DecryptInput
	out   *kms.DecryptOutput
	err   error
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestResolveSalt_KMS(t *testing.T) {
	cfg := &config.Config{
		Environment: "production",
		KMS:         config.KMSConfig{Enabled: true, KeyID: "alias/salt"},
		Security:    config.SecurityConfig{HashSaltCiphertext: base64.StdEncoding.EncodeToString([]byte("blob"))},
	}
	fake := &fakeKMS{out: &kms.DecryptOutput{Plaintext: []byte("pepper"), KeyId: aws.String("arn:key")}}

	salt, err := NewSaltManager(cfg, fake).ResolveSalt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pepper", salt)
	assert.Equal(t, []byte("blob"), fake.input.CiphertextBlob)
	assert.Equal(t, "alias/salt", aws.ToString(fake.input.KeyId))
}

func TestResolveSalt_KMSFailure(t *testing.T) {
	cfg := &config.Config{
		KMS:      config.KMSConfig{Enabled: true},
		Security: config.SecurityConfig{HashSaltCiphertext: base64.StdEncoding.EncodeToString([]byte("blob"))},
	}

	_, err := NewSaltManager(cfg, &fakeKMS{err: errors.New("access denied")}).ResolveSalt(context.Background())
	assert.True(t, errors.Is(err, ErrDecryptionFailed))

	cfg.Security.HashSaltCiphertext = "%%%"
	_, err = NewSaltManager(cfg, &fakeKMS{}).ResolveSalt(context.Background())
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestResolveSalt_Plain(t *testing.T) {
	cfg := &config.Config{Environment: "production", Security: config.SecurityConfig{HashSalt: "s3cret"}}
	salt, err := NewSaltManager(cfg, nil).ResolveSalt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", salt)
}

func TestResolveSalt_MissingInProduction(t *testing.T) {
	cfg := &config.Config{Environment: "production"}
	_, err := NewSaltManager(cfg, nil).ResolveSalt(context.Background())
	assert.True(t, errors.Is(err, ErrSaltMissing))
}

func TestResolveSalt_RandomInDevelopment(t *testing.T) {
	cfg := &config.Config{Environment: "development"}
	a, err := NewSaltManager(cfg, nil).ResolveSalt(context.Background())
	require.NoError(t, err)
	b, err := NewSaltManager(cfg, nil).ResolveSalt(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
