// Package agentreg 登记参与协作的各个代理：角色、公钥、能力以及
// 显式的信任边。消息路由依据这里的 (DID → 角色) 登记做查表判断，
// 不做任何 DID 字符串片段匹配。
package agentreg

import (
	"sync"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/identity"
)

// Role 是代理在流水线中的角色。
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleExpert       Role = "expert"
	RoleRisk         Role = "risk"
	RoleHuman        Role = "human"
)

// Valid 判断角色是否受支持。
func (r Role) Valid() bool {
	switch r {
	case RoleOrchestrator, RoleExpert, RoleRisk, RoleHuman:
		return true
	}
	return false
}

// Capabilities 描述一个角色被允许的行为。
type Capabilities struct {
	CanVerify          bool   `yaml:"can_verify" json:"can_verify"`
	CanCreateTokens    bool   `yaml:"can_create_tokens" json:"can_create_tokens"`
	CanCommunicateWith []Role `yaml:"can_communicate_with" json:"can_communicate_with"`
}

// DefaultCapabilities 返回角色的默认能力。
func DefaultCapabilities(role Role) Capabilities {
	switch role {
	case RoleOrchestrator:
		return Capabilities{
			CanVerify:          true,
			CanCreateTokens:    true,
			CanCommunicateWith: []Role{RoleExpert, RoleRisk, RoleHuman},
		}
	case RoleExpert:
		return Capabilities{
			CanVerify:          true,
			CanCommunicateWith: []Role{RoleOrchestrator, RoleRisk},
		}
	case RoleRisk:
		return Capabilities{
			CanVerify:          true,
			CanCommunicateWith: []Role{RoleOrchestrator, RoleExpert},
		}
	case RoleHuman:
		return Capabilities{
			CanCommunicateWith: []Role{RoleOrchestrator},
		}
	}
	return Capabilities{}
}

// Registration 是一条代理登记记录。
type Registration struct {
	DID          identity.DID
	Role         Role
	PublicKey    string
	Capabilities Capabilities
}

// Registry 维护代理登记与信任关系。
type Registry struct {
	mu     sync.RWMutex
	agents map[identity.DID]*Registration
	trust  map[identity.DID]map[identity.DID]struct{}
}

// NewRegistry 构造空的代理登记表。
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[identity.DID]*Registration),
		trust:  make(map[identity.DID]map[identity.DID]struct{}),
	}
}

// RegisterAgent 登记一个代理并赋予角色默认能力。
func (r *Registry) RegisterAgent(did string, role Role, publicKey string) error {
	d := identity.Normalize(did)
	if !d.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理 DID 格式不合法")
	}
	if !role.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的代理角色")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[d]; ok {
		return xerrors.New(xerrors.CodeConflict, "代理已登记")
	}
	r.agents[d] = &Registration{
		DID:          d,
		Role:         role,
		PublicKey:    publicKey,
		Capabilities: DefaultCapabilities(role),
	}
	r.trust[d] = make(map[identity.DID]struct{})
	return nil
}

// AddTrust 建立一条从 from 指向 to 的信任边。
func (r *Registry) AddTrust(from, to string) error {
	f, t := identity.Normalize(from), identity.Normalize(to)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[f]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "信任边起点未登记")
	}
	if _, ok := r.agents[t]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "信任边终点未登记")
	}
	if r.trust[f] == nil {
		r.trust[f] = make(map[identity.DID]struct{})
	}
	r.trust[f][t] = struct{}{}
	return nil
}

// CanCommunicate 判断 from 是否允许向 to 发送消息：发送方能力清单
// 必须包含接收方角色，且存在显式信任边，两者缺一不可。
func (r *Registry) CanCommunicate(from, to string) bool {
	f, t := identity.Normalize(from), identity.Normalize(to)

	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.agents[f]
	if !ok {
		return false
	}
	receiver, ok := r.agents[t]
	if !ok {
		return false
	}

	allowed := false
	for _, role := range sender.Capabilities.CanCommunicateWith {
		if role == receiver.Role {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	_, trusted := r.trust[f][t]
	return trusted
}

// RoleOf 按登记返回代理角色。
func (r *Registry) RoleOf(did string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[identity.Normalize(did)]
	if !ok {
		return "", false
	}
	return reg.Role, true
}

// Get 返回代理登记记录。
func (r *Registry) Get(did string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[identity.Normalize(did)]
	if !ok {
		return nil, false
	}
	clone := *reg
	return &clone, true
}

// List 返回全部登记记录。
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	registrations := make([]*Registration, 0, len(r.agents))
	for _, reg := range r.agents {
		clone := *reg
		registrations = append(registrations, &clone)
	}
	return registrations
}
