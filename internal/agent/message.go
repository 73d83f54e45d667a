package agent

import (
	"time"
)

// 入站消息类型。
const (
	MessageTypeTradingRequest = "trading_request"
	MessageTypeRiskEvaluation = "risk_evaluation_request"
)

// 出站响应令牌的消息类型。
const (
	MessageTypeTradingAnalysis = "trading_analysis"
	MessageTypeRiskResult      = "risk_evaluation_result"
)

// 响应状态。
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Message 是智能体之间传递的标准信封。public_key 字段既可以携带发送方的
// 公钥本身，也可以携带发送方的 DID，后者会通过身份注册表解析成公钥。
type Message struct {
	AskID     string `json:"ask_id"`
	SenderDID string `json:"sender_did"`
	Token     string `json:"token"`
	PublicKey string `json:"public_key"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Credentials 是响应里附带的身份凭证，供对端做反向校验。
type Credentials struct {
	DID       string    `json:"did"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	PublicKey string    `json:"public_key"`
	Timestamp time.Time `json:"timestamp"`
}

// Response 是握手处理的统一出参。成功时携带角色结果（analysis 或
// evaluation 二选一）、新签发的响应令牌和凭证；失败时 Message 说明原因，
// 降级场景下结果载荷仍然保留。
type Response struct {
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Analysis    map[string]any `json:"analysis,omitempty"`
	Evaluation  map[string]any `json:"evaluation,omitempty"`
	Credentials *Credentials   `json:"credentials,omitempty"`
	Token       string         `json:"token,omitempty"`
	PublicKey   string         `json:"public_key,omitempty"`
}

// ResultPayload 返回响应里的角色结果载荷，不区分字段名。
func (r *Response) ResultPayload() map[string]any {
	if r.Analysis != nil {
		return r.Analysis
	}
	return r.Evaluation
}

// setPayload 按结果种类写入对应字段。
func (r *Response) setPayload(kind string, payload map[string]any) {
	switch kind {
	case ResultKindEvaluation:
		r.Evaluation = payload
	default:
		r.Analysis = payload
	}
}
