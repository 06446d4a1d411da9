// Package identity は接続の身元検証を担当します
// 身元サービスが発行したトークンの検証のみを行い、発行は外部の責務です
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier はベアラートークンから検証済みの身元情報を取り出すインターフェース
type Verifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// claims は身元サービスが発行するトークンのペイロード
type claims struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier はHMAC署名付きJWTを検証するVerifierの実装
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (models.Identity, error) {
	if len(v.secret) == 0 || token == "" {
		return models.Identity{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.Identity{}, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return models.Identity{}, ErrInvalidToken
	}
	username := c.Username
	if username == "" {
		username = c.Subject
	}
	return models.Identity{
		UserId:   c.Subject,
		Email:    c.Email,
		Username: username,
	}, nil
}

// Guest はゲスト用の身元情報を生成します
// トークンが無い・検証に失敗した接続は拒否せず、ゲストとして扱います
func Guest(name string) models.Identity {
	id := fmt.Sprintf("guest-%s", uuid.NewString()[:8])
	if name == "" {
		name = id
	}
	return models.Identity{
		UserId:   id,
		Username: name,
		Guest:    true,
	}
}
