package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/identity"
	"OpenTrade-Chain/internal/session"
	"OpenTrade-Chain/internal/token"
	"OpenTrade-Chain/pkg/logger"
)

// 结果载荷的种类，决定响应里承载结果的字段名。
const (
	ResultKindAnalysis   = "analysis"
	ResultKindEvaluation = "evaluation"
)

// Result 是具体角色处理器产出的结果。Kind 决定载荷写入响应的哪个字段，
// ResponseType 作为新签发响应令牌的消息类型。
type Result struct {
	Kind         string
	ResponseType string
	Payload      map[string]any
}

// HandlerFunc 处理一条已通过身份验证的消息。claims 是发送方令牌里的声明。
// 允许同时返回非空结果和错误：这表示处理降级完成，结果仍然可用，
// 调用方自行决定是否采纳。
type HandlerFunc func(ctx context.Context, msg Message, claims token.Claims) (*Result, error)

// Protocol 是各角色智能体共享的握手内核。每条入站消息按固定顺序经过：
// 信封校验、发送方验证（命中会话缓存则跳过）、按消息类型分发、
// 附带新令牌与凭证的应答，最后结束本次 ask 的会话缓存。
type Protocol struct {
	did        identity.DID
	name       string
	agentType  string
	signingKey string

	registry *identity.Registry
	tokens   *token.Service
	cache    session.Cache
	handlers map[string]HandlerFunc
	log      *slog.Logger
}

// NewProtocol 构造握手内核。agentType 会原样出现在响应凭证的 type 字段里。
func NewProtocol(did, name, agentType, signingKey string, registry *identity.Registry, tokens *token.Service, cache session.Cache) *Protocol {
	return &Protocol{
		did:        identity.Normalize(did),
		name:       name,
		agentType:  agentType,
		signingKey: signingKey,
		registry:   registry,
		tokens:     tokens,
		cache:      cache,
		handlers:   make(map[string]HandlerFunc),
		log:        logger.Named("agent." + name),
	}
}

// Handle 注册一种消息类型的处理器。
func (p *Protocol) Handle(messageType string, fn HandlerFunc) {
	p.handlers[messageType] = fn
}

// DID 返回本智能体的规范化 DID。
func (p *Protocol) DID() identity.DID { return p.did }

// HandleMessage 执行完整握手。任何环节失败都以 error 状态应答，
// 不向上抛错；降级完成时状态为 error 但结果载荷保留。
func (p *Protocol) HandleMessage(ctx context.Context, msg Message) Response {
	if err := validateEnvelope(msg); err != nil {
		p.log.Warn("信封校验失败", "ask_id", msg.AskID, "err", err)
		return errorResponse(err)
	}

	senderDID := identity.Normalize(msg.SenderDID)
	claims, err := p.authenticate(ctx, msg, senderDID)
	if err != nil {
		p.log.Warn("发送方验证失败", "ask_id", msg.AskID, "sender", senderDID, "err", err)
		return errorResponse(err)
	}

	handler, ok := p.handlers[msg.Type]
	if !ok {
		return errorResponse(xerrors.New(xerrors.CodeInvalidArgument, "不支持的消息类型: "+msg.Type))
	}

	result, handleErr := handler(ctx, msg, claims)
	if result == nil {
		if handleErr == nil {
			handleErr = xerrors.New(xerrors.CodeUnknown, "处理器未返回结果")
		}
		p.log.Error("消息处理失败", "ask_id", msg.AskID, "type", msg.Type, "err", handleErr)
		return errorResponse(handleErr)
	}

	resp := p.respond(ctx, msg, senderDID, result)
	if handleErr != nil {
		// 降级完成：结果保留，状态按错误上报，由编排方裁决。
		resp.Status = StatusError
		resp.Message = handleErr.Error()
		p.log.Warn("消息降级完成", "ask_id", msg.AskID, "type", msg.Type, "err", handleErr)
	}

	if err := p.cache.EndSession(ctx, msg.AskID); err != nil {
		p.log.Warn("结束会话缓存失败", "ask_id", msg.AskID, "err", err)
	}
	return resp
}

// authenticate 返回发送方令牌里的声明。会话缓存命中时跳过全部验证，
// 仅做结构解码；未命中时解析公钥、验证令牌并回填缓存。
func (p *Protocol) authenticate(ctx context.Context, msg Message, senderDID identity.DID) (token.Claims, error) {
	verified, err := p.cache.IsVerified(ctx, msg.AskID, senderDID)
	if err != nil {
		return nil, err
	}
	if verified {
		p.log.Debug("会话缓存命中，跳过验证", "ask_id", msg.AskID, "sender", senderDID)
		return token.Decode(msg.Token)
	}

	key, err := p.resolveSenderKey(ctx, msg)
	if err != nil {
		return nil, err
	}
	claims, err := p.tokens.Verify(msg.Token, string(senderDID), key)
	if err != nil {
		return nil, err
	}
	if err := p.cache.MarkVerified(ctx, msg.AskID, senderDID, key); err != nil {
		p.log.Warn("写入会话缓存失败", "ask_id", msg.AskID, "err", err)
	}
	p.log.Info("发送方验证通过", "ask_id", msg.AskID, "sender", senderDID)
	return claims, nil
}

// resolveSenderKey 解析验证用的公钥。信封里携带 DID 时查身份注册表，
// 查不到即视为未知发送方。
func (p *Protocol) resolveSenderKey(ctx context.Context, msg Message) (string, error) {
	if !strings.HasPrefix(msg.PublicKey, "did:") {
		return msg.PublicKey, nil
	}
	key, err := p.registry.Get(ctx, msg.PublicKey)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknownSender, err, "身份注册表中不存在发送方: "+msg.PublicKey)
	}
	return key, nil
}

// respond 构造成功应答：结果载荷、面向发送方新签发的令牌和本方凭证。
// 令牌签发失败不阻断应答，结果仍然返回。
func (p *Protocol) respond(ctx context.Context, msg Message, senderDID identity.DID, result *Result) Response {
	resp := Response{Status: StatusSuccess, Message: "处理完成"}
	resp.setPayload(result.Kind, result.Payload)

	extra := map[string]any{
		"ask_id":    msg.AskID,
		result.Kind: result.Payload,
	}
	respToken, err := p.tokens.Create(string(p.did), p.signingKey, string(senderDID), result.ResponseType, extra)
	if err != nil {
		p.log.Warn("响应令牌签发失败", "ask_id", msg.AskID, "err", err)
	} else {
		resp.Token = respToken
	}

	creds := p.credentials(ctx)
	resp.Credentials = &creds
	resp.PublicKey = creds.PublicKey
	return resp
}

// credentials 生成本方凭证。公钥以身份注册表为准，未注册时留空。
func (p *Protocol) credentials(ctx context.Context) Credentials {
	publicKey, err := p.registry.Get(ctx, string(p.did))
	if err != nil {
		publicKey = ""
	}
	return Credentials{
		DID:       string(p.did),
		Name:      p.name,
		Type:      p.agentType,
		PublicKey: publicKey,
		Timestamp: time.Now().UTC(),
	}
}

// validateEnvelope 检查信封必填字段。
func validateEnvelope(msg Message) error {
	switch {
	case msg.AskID == "":
		return xerrors.New(xerrors.CodeMalformedRequest, "信封缺少 ask_id")
	case msg.SenderDID == "":
		return xerrors.New(xerrors.CodeMalformedRequest, "信封缺少 sender_did")
	case msg.Token == "":
		return xerrors.New(xerrors.CodeMalformedRequest, "信封缺少 token")
	case msg.PublicKey == "":
		return xerrors.New(xerrors.CodeMalformedRequest, "信封缺少 public_key")
	case msg.Type == "":
		return xerrors.New(xerrors.CodeMalformedRequest, "信封缺少 type")
	}
	return nil
}

// errorResponse 把错误折叠成统一的失败应答。
func errorResponse(err error) Response {
	return Response{Status: StatusError, Message: err.Error()}
}
