// Package licensetoken encodes license grants as opaque, tamper-evident,
// time-bound strings.
//
// A token is a nested JWT: an HS256-signed claim set
// {iss, iat, exp, data, nonce} wrapped in a JWE envelope using direct key
// agreement and A128CBC-HS256 (AES-128-CBC with a fresh random IV per token).
// Both keys are derived from the application secret with HKDF under distinct
// labels; an independent envelope secret may be configured instead. Every
// segment is base64url without padding, so tokens survive text columns and
// URL query parameters unchanged.
package licensetoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"labdesk-controlplane/pkg/clock"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrMissingSecret is returned by New when no application secret is configured.
	ErrMissingSecret = errors.New("licensetoken: application secret not configured")
	// ErrInvalidPeriod is returned by Encode when expiry is not after issue time.
	ErrInvalidPeriod = errors.New("licensetoken: expiry must be after issue time")
	// ErrMissingTimestamp is returned by Encode when either timestamp is zero.
	ErrMissingTimestamp = errors.New("licensetoken: issue and expiry times are required")
	// ErrTokenDecode marks any malformed, undecryptable or forged token. It is
	// only used internally and for logging; callers see false / nil.
	ErrTokenDecode = errors.New("licensetoken: token decode failure")
)

const (
	keySize     = 32
	jweSegments = 5
	nonceLength = 8
	nonceChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	signInfo    = "labdesk/license-token/v1/sign"
	encryptInfo = "labdesk/license-token/v1/encrypt"
)

var (
	keyAlgorithms     = []jose.KeyAlgorithm{jose.DIRECT}
	contentAlgorithms = []jose.ContentEncryption{jose.A128CBC_HS256}
	signatureAlgs     = []jose.SignatureAlgorithm{jose.HS256}
)

// Payload is the typed body carried in the "data" claim. Extra holds any
// additional JSON the issuer wants carried opaquely.
type Payload struct {
	LabID      string          `json:"lab_id"`
	LicenseKey string          `json:"license_key,omitempty"`
	Features   []string        `json:"features,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

// Claims is the decoded view of a token. Timestamps have whole-second
// precision and are expressed in the codec clock's zone.
type Claims struct {
	Issuer      string    `json:"issuer"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Payload     Payload   `json:"payload"`
	IsTimeValid bool      `json:"is_time_valid"`
}

type privateClaims struct {
	Data  Payload `json:"data"`
	Nonce string  `json:"nonce"`
}

type Codec struct {
	signKey []byte
	encKey  []byte
	clock   clock.Clock
	log     *zap.Logger
	rand    io.Reader
}

type Option func(*options)

type options struct {
	encryptionSecret string
	clock            clock.Clock
	log              *zap.Logger
	rand             io.Reader
}

// WithEncryptionSecret derives the envelope key from a secret independent of
// the signing secret.
func WithEncryptionSecret(secret string) Option {
	return func(o *options) { o.encryptionSecret = secret }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

func withRandom(r io.Reader) Option {
	return func(o *options) { o.rand = r }
}

// New builds a Codec. It fails with ErrMissingSecret when secret is blank.
func New(secret string, opts ...Option) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}

	o := options{
		clock: clock.New(clockwork.NewRealClock(), 0),
		log:   zap.NewNop(),
		rand:  rand.Reader,
	}
	for _, opt := range opts {
		opt(&o)
	}

	encSecret := secret
	if strings.TrimSpace(o.encryptionSecret) != "" {
		encSecret = o.encryptionSecret
	}

	signKey, err := deriveKey(secret, signInfo)
	if err != nil {
		return nil, err
	}
	encKey, err := deriveKey(encSecret, encryptInfo)
	if err != nil {
		return nil, err
	}

	return &Codec{
		signKey: signKey,
		encKey:  encKey,
		clock:   o.clock,
		log:     o.log,
		rand:    o.rand,
	}, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("licensetoken: derive key: %w", err)
	}
	return key, nil
}

// Encode signs and encrypts a license grant. issuedAt and expiresAt are
// truncated to whole seconds; the truncated expiry must still be strictly
// after the truncated issue time.
func (c *Codec) Encode(payload Payload, issuedAt, expiresAt time.Time, issuer string) (string, error) {
	if issuedAt.IsZero() || expiresAt.IsZero() {
		return "", ErrMissingTimestamp
	}
	if expiresAt.Unix() <= issuedAt.Unix() {
		return "", ErrInvalidPeriod
	}

	nonce, err := c.nonce()
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: c.signKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("licensetoken: signer: %w", err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A128CBC_HS256,
		jose.Recipient{Algorithm: jose.DIRECT, Key: c.encKey},
		(&jose.EncrypterOptions{}).WithType("JWT").WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("licensetoken: encrypter: %w", err)
	}

	std := jwt.Claims{
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(issuedAt),
		Expiry:   jwt.NewNumericDate(expiresAt),
	}

	token, err := jwt.SignedAndEncrypted(signer, encrypter).
		Claims(std).
		Claims(privateClaims{Data: payload, Nonce: nonce}).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("licensetoken: serialize: %w", err)
	}
	return token, nil
}

// Validate reports whether token is authentic and not yet expired. Claims are
// returned whenever the token is authentic, even if it has expired.
func (c *Codec) Validate(token string) (bool, *Claims) {
	claims, err := c.decode(token)
	if err != nil {
		return false, nil
	}
	return claims.IsTimeValid, claims
}

// GetClaims decodes token regardless of its time validity. It returns
// (nil, false) for anything that fails decryption or signature checks.
func (c *Codec) GetClaims(token string) (*Claims, bool) {
	claims, err := c.decode(token)
	if err != nil {
		return nil, false
	}
	return claims, true
}

func (c *Codec) decode(token string) (claims *Claims, err error) {
	defer func() {
		if r := recover(); r != nil {
			claims, err = nil, fmt.Errorf("%w: panic: %v", ErrTokenDecode, r)
		}
		if err != nil {
			c.log.Debug("license token rejected", zap.Error(err))
		}
	}()

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenDecode)
	}
	if err := checkCanonical(token); err != nil {
		return nil, err
	}

	nested, err := jwt.ParseSignedAndEncrypted(token, keyAlgorithms, contentAlgorithms, signatureAlgs)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrTokenDecode, err)
	}

	inner, err := nested.Decrypt(c.encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrTokenDecode, err)
	}

	var std jwt.Claims
	var priv privateClaims
	if err := inner.Claims(c.signKey, &std, &priv); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrTokenDecode, err)
	}

	if std.IssuedAt == nil || std.Expiry == nil {
		return nil, fmt.Errorf("%w: missing iat/exp", ErrTokenDecode)
	}

	now := c.clock.Now()
	expiresAt := c.clock.In(std.Expiry.Time())

	return &Claims{
		Issuer:      std.Issuer,
		IssuedAt:    c.clock.In(std.IssuedAt.Time()),
		ExpiresAt:   expiresAt,
		Payload:     priv.Data,
		IsTimeValid: !now.After(expiresAt),
	}, nil
}

// checkCanonical rejects any compact JWE whose segments are not the exact
// unpadded base64url encoding of their bytes. The lenient decoder drops the
// trailing bits of a segment's last character, so without this two different
// strings could decode to the same token.
func checkCanonical(token string) error {
	segments := strings.Split(token, ".")
	if len(segments) != jweSegments {
		return fmt.Errorf("%w: expected %d segments, got %d", ErrTokenDecode, jweSegments, len(segments))
	}
	for i, seg := range segments {
		raw, err := base64.RawURLEncoding.Strict().DecodeString(seg)
		if err != nil {
			return fmt.Errorf("%w: segment %d: %v", ErrTokenDecode, i, err)
		}
		if base64.RawURLEncoding.EncodeToString(raw) != seg {
			return fmt.Errorf("%w: segment %d is not canonical", ErrTokenDecode, i)
		}
	}
	return nil
}

func (c *Codec) nonce() (string, error) {
	max := big.NewInt(int64(len(nonceChars)))
	b := make([]byte, nonceLength)
	for i := range b {
		n, err := rand.Int(c.rand, max)
		if err != nil {
			return "", fmt.Errorf("licensetoken: nonce: %w", err)
		}
		b[i] = nonceChars[n.Int64()]
	}
	return string(b), nil
}
