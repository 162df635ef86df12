package server

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const tokenIssuer = "tickwire-server"

// Claims 会话令牌内容
type Claims struct {
	PlayerID   int32  `json:"player_id"`
	PlayerName string `json:"player_name,omitempty"`
	jwt.RegisteredClaims
}

// SessionIssuer 签发与校验断线重连用的会话令牌
type SessionIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSessionIssuer secret 为空时随机生成密钥，重启后旧令牌全部失效
func NewSessionIssuer(secret string, ttl time.Duration) (*SessionIssuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, errors.Wrap(err, "生成会话密钥失败")
		}
	}
	return &SessionIssuer{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue 生成会话令牌
func (s *SessionIssuer) Issue(playerID int32, playerName string) (string, error) {
	now := s.now()
	claims := Claims{
		PlayerID:   playerID,
		PlayerName: playerName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   fmt.Sprintf("player-%d", playerID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", errors.Wrap(err, "签发会话令牌失败")
	}
	return signed, nil
}

// Verify 验证并解析令牌
func (s *SessionIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "会话令牌无效")
	}
	return claims, nil
}
