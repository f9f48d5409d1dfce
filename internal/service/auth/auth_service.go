// Package auth 用户登录 token 的签发和校验，用户信息由上游 SSO 写入 token
package auth

import (
	"errors"
	"time"

	"github.com/douban/helpdesk/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// Claims 用户 token 中的信息
type Claims struct {
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// AdminChecker 判断角色是否为管理员
type AdminChecker interface {
	IsAdmin(roles []string) bool
}

type AuthService struct {
	jwtSecret []byte
	admins    AdminChecker
	now       func() time.Time
}

// NewAuthService 创建认证服务
func NewAuthService(jwtSecret string, admins AdminChecker) *AuthService {
	return &AuthService{
		jwtSecret: []byte(jwtSecret),
		admins:    admins,
		now:       time.Now,
	}
}

// GenerateToken 为用户签发 token，命令行工具和测试使用
func (s *AuthService) GenerateToken(user *model.User, ttl time.Duration) (string, error) {
	if user == nil || user.Name == "" {
		return "", errors.New("user name is required")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	now := s.now()
	claims := &Claims{
		Name:  user.Name,
		Email: user.Email,
		Roles: user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Name,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "helpdesk",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken 校验 token 并返回当前用户
func (s *AuthService) ValidateToken(tokenString string) (*model.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Name == "" {
		return nil, errors.New("token has no user name")
	}
	user := &model.User{Name: claims.Name, Email: claims.Email, Roles: claims.Roles}
	if s.admins != nil {
		user.IsAdmin = s.admins.IsAdmin(claims.Roles)
	}
	return user, nil
}
