package identity

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DID 是规范化后的去中心化标识符，形如 did:eth:0x...。
type DID string

const (
	prefixEth  = "did:eth:"
	prefixEthr = "did:ethr:"
)

// didPattern 匹配两种受支持的 DID 表层格式。
var didPattern = regexp.MustCompile(`^did:ethr?:0x[0-9a-fA-F]{40}$`)

// Normalize 将 did:ethr: 前缀统一为 did:eth:。两种前缀仅是同一身份的
// 不同表层形式，注册表内部只保存规范形式。
func Normalize(did string) DID {
	if strings.HasPrefix(did, prefixEthr) {
		return DID(prefixEth + strings.TrimPrefix(did, prefixEthr))
	}
	return DID(did)
}

// Valid 校验 DID 是否符合受支持的格式。
func (d DID) Valid() bool {
	if !didPattern.MatchString(string(d)) {
		return false
	}
	return common.IsHexAddress(d.Address())
}

// Address 返回 DID 中携带的十六进制地址部分。
func (d DID) Address() string {
	s := string(Normalize(string(d)))
	return strings.TrimPrefix(s, prefixEth)
}

// String 实现 fmt.Stringer。
func (d DID) String() string {
	return string(d)
}
