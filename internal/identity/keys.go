package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// DemoSigningKey 从规范化 DID 派生一个确定性的演示签名密钥。
// 仅用于演示环境：生产部署必须由外部密钥管理提供真实私钥，
// 并替换默认的对称签名算法。
func DemoSigningKey(did string) string {
	digest := sha256.Sum256([]byte(Normalize(did)))
	return "0x" + hex.EncodeToString(digest[:])
}
