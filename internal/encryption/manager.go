package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"ephemeral-auth/internal/config"
	"ephemeral-auth/internal/util"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrSaltMissing      = errors.New("identifier hash salt not configured")
)

// Decrypter is the slice of the KMS API the salt manager needs.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SaltManager resolves the secret salt used to hash identifiers. With KMS
// enabled the salt is stored as a KMS ciphertext and decrypted at startup.
type SaltManager struct {
	kmsClient Decrypter
	config    *config.Config
}

func NewSaltManager(cfg *config.Config, kmsClient Decrypter) *SaltManager {
	return &SaltManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

// NewKMSClient builds a client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// ResolveSalt returns the identifier hash salt. Outside production a missing
// salt is replaced by a random per-process one, which keeps hashes stable only
// for the life of the process.
func (sm *SaltManager) ResolveSalt(ctx context.Context) (string, error) {
	sec := sm.config.Security

	if sm.config.KMS.Enabled && sec.HashSaltCiphertext != "" {
		return sm.decryptSalt(ctx, sec.HashSaltCiphertext)
	}
	if sec.HashSalt != "" {
		return sec.HashSalt, nil
	}
	if sm.config.IsProduction() {
		return "", ErrSaltMissing
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	util.Warn("IDENTIFIER_HASH_SALT not set, using a random per-process salt")
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (sm *SaltManager) decryptSalt(ctx context.Context, ciphertext string) (string, error) {
	if sm.kmsClient == nil {
		return "", fmt.Errorf("%w: KMS client not configured", ErrDecryptionFailed)
	}
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not base64: %v", ErrDecryptionFailed, err)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if sm.config.KMS.KeyID != "" {
		input.KeyId = aws.String(sm.config.KMS.KeyID)
	}
	out, err := sm.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(out.Plaintext) == 0 {
		return "", fmt.Errorf("%w: empty plaintext", ErrDecryptionFailed)
	}

	util.Info("identifier hash salt decrypted with KMS", zap.String("key_id", aws.ToString(out.KeyId)))
	return string(out.Plaintext), nil
}
