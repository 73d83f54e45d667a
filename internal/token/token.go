// Package token 负责签发和验证代理间通信使用的三段式令牌
// （header.payload.signature），将一条消息绑定到发送方 DID、接收
// 方 DID 和过期时间上。令牌一经签发不可变，每条消息都铸造新令牌。
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/identity"
)

// DefaultTTL 是令牌的默认有效期。
const DefaultTTL = time.Hour

// 验证失败的各类原因，调用方可通过 errors.Is 区分处理。
var (
	ErrMalformed            = xerrors.New(xerrors.CodeVerificationFailed, "令牌格式不合法")
	ErrUnsupportedAlgorithm = xerrors.New(xerrors.CodeVerificationFailed, "不支持的签名算法")
	ErrInvalidSignature     = xerrors.New(xerrors.CodeVerificationFailed, "签名校验失败")
	ErrExpired              = xerrors.New(xerrors.CodeTokenExpired, "令牌已过期")
	ErrSubjectMismatch      = xerrors.New(xerrors.CodeSubjectMismatch, "令牌主体与期望身份不符")
)

// Claims 是解码后的令牌载荷。
type Claims map[string]any

// Subject 返回 sub 声明。
func (c Claims) Subject() string { return c.str("sub") }

// Audience 返回 aud 声明。
func (c Claims) Audience() string { return c.str("aud") }

// Role 返回 role 声明。
func (c Claims) Role() string { return c.str("role") }

// MessageType 返回 type 声明。
func (c Claims) MessageType() string { return c.str("type") }

// AskID 返回 ask_id 声明，即本次逻辑会话的关联标识。
func (c Claims) AskID() string { return c.str("ask_id") }

// IssuedAt 返回 iat 声明。
func (c Claims) IssuedAt() int64 { return c.integer("iat") }

// ExpiresAt 返回 exp 声明。
func (c Claims) ExpiresAt() int64 { return c.integer("exp") }

// Object 返回指定键下的嵌套对象声明。
func (c Claims) Object(key string) map[string]any {
	if value, ok := c[key].(map[string]any); ok {
		return value
	}
	return nil
}

func (c Claims) str(key string) string {
	if value, ok := c[key].(string); ok {
		return value
	}
	return ""
}

func (c Claims) integer(key string) int64 {
	switch value := c[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case json.Number:
		n, _ := value.Int64()
		return n
	}
	return 0
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Service 签发并验证令牌。
type Service struct {
	signers map[string]Signer
	alg     string
	ttl     time.Duration
	now     func() time.Time
}

// Option 定义可选的服务配置。
type Option func(*Service)

// WithTTL 覆盖默认令牌有效期。
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock 注入时钟，测试时用来控制过期边界。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSigner 注册额外的签名算法实现。
func WithSigner(signer Signer) Option {
	return func(s *Service) {
		if signer != nil {
			s.signers[signer.Alg()] = signer
		}
	}
}

// WithDefaultAlgorithm 指定签发时使用的算法。
func WithDefaultAlgorithm(alg string) Option {
	return func(s *Service) {
		if alg != "" {
			s.alg = alg
		}
	}
}

// NewService 构造令牌服务，默认注册 ES256K（演示）与 HS256 两种算法。
func NewService(opts ...Option) *Service {
	s := &Service{
		signers: map[string]Signer{
			AlgES256K: es256kSigner{},
			AlgHS256:  hs256Signer{},
		},
		alg: AlgES256K,
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 以 issuerDID 为主体签发一个面向 audienceDID 的令牌。
// extraClaims 会合并进载荷；标准声明（sub/aud/iat/exp）不可被覆盖。
func (s *Service) Create(issuerDID, signingKey, audienceDID, messageType string, extraClaims map[string]any) (string, error) {
	if strings.TrimSpace(issuerDID) == "" || strings.TrimSpace(audienceDID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "签发方与接收方 DID 不能为空")
	}
	if strings.TrimSpace(signingKey) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "签名密钥不能为空")
	}
	signer, ok := s.signers[s.alg]
	if !ok {
		return "", ErrUnsupportedAlgorithm
	}

	now := s.now().Unix()
	payload := Claims{
		"role": "agent",
		"type": messageType,
	}
	for k, v := range extraClaims {
		payload[k] = v
	}
	payload["sub"] = issuerDID
	payload["aud"] = audienceDID
	payload["iat"] = now
	payload["exp"] = now + int64(s.ttl.Seconds())

	headerJSON, err := json.Marshal(header{Alg: s.alg, Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("编码令牌头部失败: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("编码令牌载荷失败: %w", err)
	}

	encodedHeader := base64.RawURLEncoding.EncodeToString(headerJSON)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := encodedHeader + "." + encodedPayload

	signature, err := signer.Sign([]byte(signingInput), signingKey)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// Decode 仅做结构解码并返回载荷，不做任何有效性检查。只应在发送方
// 已通过会话验证缓存确认的场合使用，用来读取已验证令牌里的声明。
func Decode(tokenString string) (Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, ErrMalformed
	}
	return claims, nil
}

// Verify 验证令牌并返回解码后的载荷。依次检查：三段结构、算法受支持、
// 未过期、主体与期望身份一致（按规范化 DID 比较）、签名有效。
func (s *Service) Verify(tokenString, expectedSubjectDID, verifierKey string) (Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrMalformed
	}
	var hdr header
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return nil, ErrMalformed
	}
	signer, ok := s.signers[hdr.Alg]
	if !ok {
		return nil, ErrUnsupportedAlgorithm
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, ErrMalformed
	}

	// 缺失 exp 的令牌按已过期处理，不存在不过期的令牌。
	if s.now().Unix() >= claims.ExpiresAt() {
		return nil, ErrExpired
	}

	if identity.Normalize(claims.Subject()) != identity.Normalize(expectedSubjectDID) {
		return nil, xerrors.Wrap(xerrors.CodeSubjectMismatch, ErrSubjectMismatch,
			fmt.Sprintf("期望 %s，实际 %s", expectedSubjectDID, claims.Subject()))
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}
	if err := signer.Verify([]byte(parts[0]+"."+parts[1]), signature, verifierKey); err != nil {
		return nil, err
	}
	return claims, nil
}
