package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/orchestrator"
)

// Server 负责暴露 REST 接口，供外部提交交易请求和查询会话状态。
type Server struct {
	addr string
	orch *orchestrator.Orchestrator
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Orchestrator) *Server {
	return &Server{addr: addr, orch: orch}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/trade", s.handleTrade)
	mux.HandleFunc("/api/v1/sessions", s.handleSessionStatus)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// tradeRequest 是 POST /api/v1/trade 的请求体。
type tradeRequest struct {
	Request      orchestrator.Request      `json:"request"`
	Verification orchestrator.Verification `json:"verification"`
}

// handleTrade 处理交易请求提交。编排失败同样返回 200，错误信息在
// 结构化结果里，调用方按 status 字段区分。
func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.orch == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	result := s.orch.ProcessTradingRequest(r.Context(), req.Request, req.Verification)
	writeJSON(w, http.StatusOK, result)
}

// handleSessionStatus 按 id 查询编排会话状态。
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.orch == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}

	sessionID := r.URL.Query().Get("id")
	if sessionID == "" {
		http.Error(w, "缺少 id 参数", http.StatusBadRequest)
		return
	}

	sess, err := s.orch.SessionStatus(sessionID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			http.Error(w, "会话不存在", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
