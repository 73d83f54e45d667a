package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Signer 按算法标识完成签名与验签。签名方案是可插拔的：默认注册的
// ES256K 实现是对称的演示算法，生产部署必须替换为真正的非对称验签。
type Signer interface {
	Alg() string
	Sign(input []byte, key string) ([]byte, error)
	Verify(input, signature []byte, key string) error
}

const (
	// AlgES256K 是演示签名算法的标识。名称沿用以太坊生态的曲线标识，
	// 但当前实现仅为 HMAC 演示，并非真实的 secp256k1 签名。
	AlgES256K = "ES256K"
	// AlgHS256 是标准的 HMAC-SHA256 算法标识。
	AlgHS256 = "HS256"
)

// es256kSigner 以 HMAC-SHA256 的十六进制摘要模拟 secp256k1 签名。
type es256kSigner struct{}

func (es256kSigner) Alg() string { return AlgES256K }

func (es256kSigner) Sign(input []byte, key string) ([]byte, error) {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(input)
	return []byte(hex.EncodeToString(mac.Sum(nil))), nil
}

func (s es256kSigner) Verify(input, signature []byte, key string) error {
	expected, err := s.Sign(input, key)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected, signature) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// hs256Signer 是标准 HMAC-SHA256 实现，签名为原始摘要字节。
type hs256Signer struct{}

func (hs256Signer) Alg() string { return AlgHS256 }

func (hs256Signer) Sign(input []byte, key string) ([]byte, error) {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(input)
	return mac.Sum(nil), nil
}

func (s hs256Signer) Verify(input, signature []byte, key string) error {
	expected, err := s.Sign(input, key)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected, signature) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
