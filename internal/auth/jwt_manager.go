package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("jwt-manager")

const issuer = "loan-assistant"

// ErrMissingSecret is returned when no signing key is configured
var ErrMissingSecret = errors.New("jwt signing key is required")

// JWTManager issues and checks session tokens. A session token binds the
// holder to one loan session; it does not identify a user.
type JWTManager struct {
	signingKey []byte
	algorithm  string
	keyID      string
	tracer     trace.Tracer
}

// Claims carried by a session token
type Claims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// NewJWTManager creates a manager signing with HMAC-SHA256
func NewJWTManager(signingKey string) (*JWTManager, error) {
	if signingKey == "" {
		return nil, ErrMissingSecret
	}
	return &JWTManager{
		signingKey: []byte(signingKey),
		algorithm:  jwt.SigningMethodHS256.Alg(),
		keyID:      "default",
		tracer:     tracer,
	}, nil
}

// GenerateToken issues a token for sessionID valid for duration
func (jm *JWTManager) GenerateToken(ctx context.Context, sessionID string, duration time.Duration) (string, error) {
	_, span := jm.tracer.Start(ctx, "jwt.generate_token")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", sessionID))

	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   sessionID,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(jm.algorithm), claims)
	token.Header["kid"] = jm.keyID

	tokenString, err := token.SignedString(jm.signingKey)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	span.SetAttributes(
		attribute.String("jwt.id", claims.ID),
		attribute.String("jwt.expires_at", claims.ExpiresAt.String()),
	)
	return tokenString, nil
}

// ValidateToken parses tokenString and checks signature, expiry and issuer
func (jm *JWTManager) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	_, span := jm.tracer.Start(ctx, "jwt.validate_token")
	defer span.End()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jm.algorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if kid, ok := token.Header["kid"].(string); ok && kid != jm.keyID {
			span.SetAttributes(attribute.String("jwt.kid_mismatch", kid))
		}
		return jm.signingKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{jm.algorithm}))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, fmt.Errorf("invalid token claims")
	}

	span.SetAttributes(
		attribute.String("session.id", claims.SessionID),
		attribute.String("jwt.id", claims.ID),
	)
	return claims, nil
}

// RefreshToken issues a new token for the session of a still valid token
func (jm *JWTManager) RefreshToken(ctx context.Context, tokenString string, duration time.Duration) (string, error) {
	ctx, span := jm.tracer.Start(ctx, "jwt.refresh_token")
	defer span.End()

	claims, err := jm.ValidateToken(ctx, tokenString)
	if err != nil {
		return "", fmt.Errorf("cannot refresh invalid token: %w", err)
	}
	return jm.GenerateToken(ctx, claims.SessionID, duration)
}
