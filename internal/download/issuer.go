// Package download mints and redeems the short-lived signed handles which
// give a client one-time access to a finished artifact.
package download

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hbomb79/Mixtape/pkg/logger"
	"golang.org/x/crypto/hkdf"
)

var (
	log = logger.Get("Download")

	// ErrInvalidToken is returned for every token which cannot be redeemed,
	// regardless of whether it was malformed, tampered with, or expired.
	ErrInvalidToken = errors.New("download token is invalid or has expired")
	ErrArtifactGone = errors.New("artifact is no longer available")
	ErrDelivery     = errors.New("failed to deliver artifact")
)

const (
	issuerName     = "mixtape"
	handleAudience = "download"
	envelopeAud    = "request"
	keySize        = 32
	hkdfInfo       = "mixtape download handle signing key"
)

type (
	Config struct {
		Secret           string        `yaml:"secret" env:"DOWNLOAD_SECRET"`
		TokenLifespan    time.Duration `yaml:"token_lifespan" env:"DOWNLOAD_TOKEN_LIFESPAN" env-default:"60s"`
		EnvelopeLifespan time.Duration `yaml:"envelope_lifespan" env:"DOWNLOAD_ENVELOPE_LIFESPAN" env-default:"10m"`
		RequireEnvelope  bool          `yaml:"require_envelope" env:"DOWNLOAD_REQUIRE_ENVELOPE" env-default:"false"`
	}

	// Handle is the verified content of a download token.
	Handle struct {
		Artifact     string
		DisplayTitle string
		Format       Format
		IssuedAt     time.Time
		ExpiresAt    time.Time
	}

	handleClaims struct {
		jwt.RegisteredClaims
		Artifact string `json:"art"`
		Title    string `json:"ttl"`
		Format   Format `json:"fmt"`
	}

	envelopeClaims struct {
		jwt.RegisteredClaims
		SourceID string `json:"sid"`
	}

	// Issuer signs and verifies download handles. The signing key is fixed
	// at construction and never changes; no token state is kept server side.
	Issuer struct {
		key              []byte
		lifespan         time.Duration
		envelopeLifespan time.Duration
		requireEnvelope  bool
		now              func() time.Time
	}
)

// NewIssuer derives the signing key from the configured secret, or generates
// a random one if no secret is configured.
func NewIssuer(config Config) (*Issuer, error) {
	key := make([]byte, keySize)
	if config.Secret != "" {
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(config.Secret), nil, []byte(hkdfInfo)), key); err != nil {
			return nil, fmt.Errorf("failed to derive signing key: %w", err)
		}
	} else {
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		log.Emit(logger.WARNING, "No download secret configured; using an ephemeral signing key. Tokens will not survive a restart\n")
	}

	lifespan := config.TokenLifespan
	if lifespan <= 0 {
		lifespan = time.Minute
	}

	return &Issuer{key: key, lifespan: lifespan, envelopeLifespan: config.EnvelopeLifespan, requireEnvelope: config.RequireEnvelope, now: time.Now}, nil
}

func (issuer *Issuer) Lifespan() time.Duration { return issuer.lifespan }

// RequiresEnvelope reports whether pipeline requests must carry an envelope
// issued by a prior media lookup.
func (issuer *Issuer) RequiresEnvelope() bool { return issuer.requireEnvelope }

// Issue mints a token for the artifact at the given path. Only the base name
// of the artifact is embedded, never the full path.
func (issuer *Issuer) Issue(artifactPath string, title string, format Format) (string, Handle, error) {
	now := issuer.now()
	handle := Handle{
		Artifact:     filepath.Base(artifactPath),
		DisplayTitle: title,
		Format:       format,
		IssuedAt:     now.Truncate(time.Second),
		ExpiresAt:    now.Add(issuer.lifespan).Truncate(time.Second),
	}

	claims := &handleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Audience:  jwt.ClaimStrings{handleAudience},
			IssuedAt:  jwt.NewNumericDate(handle.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(handle.ExpiresAt),
		},
		Artifact: handle.Artifact,
		Title:    title,
		Format:   format,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.key)
	if err != nil {
		return "", Handle{}, fmt.Errorf("failed to sign download token: %w", err)
	}

	return token, handle, nil
}

// Redeem verifies the token and returns the handle it carries. Any failure
// yields ErrInvalidToken; the underlying reason is only logged.
func (issuer *Issuer) Redeem(token string) (Handle, error) {
	claims := &handleClaims{}
	if err := issuer.parse(token, claims, handleAudience); err != nil {
		return Handle{}, err
	}

	if claims.Artifact == "" || claims.Artifact != filepath.Base(claims.Artifact) || strings.HasPrefix(claims.Artifact, ".") {
		log.Warnf("Rejected download token carrying unusable artifact name %q\n", claims.Artifact)
		return Handle{}, ErrInvalidToken
	}

	return Handle{
		Artifact:     claims.Artifact,
		DisplayTitle: claims.Title,
		Format:       claims.Format,
		IssuedAt:     claims.IssuedAt.Time,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// IssueEnvelope signs a source identifier so that a later pipeline request
// can prove it originated from this server.
func (issuer *Issuer) IssueEnvelope(sourceID string) (string, error) {
	lifespan := issuer.envelopeLifespan
	if lifespan <= 0 {
		lifespan = 10 * time.Minute
	}

	now := issuer.now()
	claims := &envelopeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Audience:  jwt.ClaimStrings{envelopeAud},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifespan)),
		},
		SourceID: sourceID,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.key)
}

// VerifyEnvelope returns the source identifier carried by a request envelope.
func (issuer *Issuer) VerifyEnvelope(token string) (string, error) {
	claims := &envelopeClaims{}
	if err := issuer.parse(token, claims, envelopeAud); err != nil {
		return "", err
	}

	return claims.SourceID, nil
}

func (issuer *Issuer) parse(token string, claims jwt.Claims, audience string) error {
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(*jwt.Token) (interface{}, error) { return issuer.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuerName),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(issuer.now),
	)
	if err != nil {
		log.Debugf("Rejected %s token: %v\n", audience, err)
		return ErrInvalidToken
	}

	return nil
}
