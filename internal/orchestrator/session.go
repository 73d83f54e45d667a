package orchestrator

import (
	"sync"
	"time"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/identity"
)

// 会话状态。
const (
	SessionPending   = "pending"
	SessionCompleted = "completed"
	SessionError     = "error"
)

// ErrSessionNotFound 表示请求的会话不存在。
var ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "会话不存在")

// Session 是一次交易请求的编排记录，保留给后续的状态查询。
type Session struct {
	ID          string            `json:"session_id"`
	HumanDID    identity.DID      `json:"human_did"`
	Request     Request           `json:"request"`
	Results     *AnalysisResults  `json:"results,omitempty"`
	Status      string            `json:"status"`
	AgentStatus map[string]string `json:"agent_status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SessionStore 以内存方式保存会话记录。会话在本设计中不会主动清退。
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore 创建 SessionStore。
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create 登记一个新会话。
func (s *SessionStore) Create(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess == nil || sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "会话已存在: "+sess.ID)
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = SessionPending
	}
	if sess.AgentStatus == nil {
		sess.AgentStatus = make(map[string]string)
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Get 返回会话副本。
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// SetAgentStatus 记录某个智能体在会话中的阶段状态。
func (s *SessionStore) SetAgentStatus(id, agentDID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.AgentStatus[agentDID] = status
	sess.UpdatedAt = time.Now()
}

// Complete 写入最终结果并把会话置为 completed。
func (s *SessionStore) Complete(id string, results *AnalysisResults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.Results = results
	sess.Status = SessionCompleted
	sess.UpdatedAt = time.Now()
}

// Fail 把会话置为 error，已有的部分结果保留。
func (s *SessionStore) Fail(id string, partial *AnalysisResults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if partial != nil {
		sess.Results = partial
	}
	sess.Status = SessionError
	sess.UpdatedAt = time.Now()
}

func cloneSession(sess *Session) *Session {
	clone := *sess
	if sess.Results != nil {
		resultsCopy := *sess.Results
		clone.Results = &resultsCopy
	}
	clone.AgentStatus = make(map[string]string, len(sess.AgentStatus))
	for k, v := range sess.AgentStatus {
		clone.AgentStatus[k] = v
	}
	return &clone
}
