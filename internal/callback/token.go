// Package callback 签发和校验执行后端回调工单使用的 token
package callback

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/douban/helpdesk/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// OpMark 回调更新执行状态
const OpMark = "mark"

// Claims 回调 token 内容
type Claims struct {
	TicketID uint   `json:"ticket_id"`
	Op       string `json:"op"`
	jwt.RegisteredClaims
}

// Signer 回调 token 签发器
type Signer struct {
	secret  []byte
	ttl     time.Duration
	baseURL string
	now     func() time.Time
}

// NewSigner baseURL 为 helpdesk 对外地址
func NewSigner(secret string, ttl time.Duration, baseURL string) *Signer {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Signer{
		secret:  []byte(secret),
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Sign 为工单签发 mark token
func (s *Signer) Sign(ticketID uint) (string, error) {
	now := s.now()
	claims := &Claims{
		TicketID: ticketID,
		Op:       OpMark,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(ticketID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    "helpdesk",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify 校验签名、有效期、操作类型以及 token 是否属于该工单
func (s *Signer) Verify(tokenString string, ticketID uint) error {
	if tokenString == "" {
		return model.ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidToken, err)
	}
	if !token.Valid || claims.Op != OpMark || claims.TicketID != ticketID {
		return model.ErrInvalidToken
	}
	return nil
}

// URL 工单回调地址
func (s *Signer) URL(ticketID uint) (string, error) {
	if ticketID == 0 {
		return "", errors.New("ticket must be saved before signing callback url")
	}
	token, err := s.Sign(ticketID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/api/ticket/mark/%d?token=%s", s.baseURL, ticketID, url.QueryEscape(token)), nil
}
