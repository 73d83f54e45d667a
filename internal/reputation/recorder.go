package reputation

import (
	"context"

	"OpenTrade-Chain/internal/identity"
	"OpenTrade-Chain/pkg/logger"
)

// Recorder 返回把交互结果应用到身份注册表的处理函数。
// 单消费者运行时即构成注册表信誉字段的唯一写入方。
func Recorder(registry *identity.Registry) Handler {
	log := logger.Named("reputation")
	return func(ctx context.Context, outcome Outcome) error {
		metadata := outcome.Metadata
		if outcome.SessionID != "" {
			if metadata == nil {
				metadata = make(map[string]string, 1)
			}
			metadata["session_id"] = outcome.SessionID
		}
		if err := registry.UpdateReputation(ctx, outcome.DID, outcome.Success, metadata); err != nil {
			log.Warn("应用信誉变更失败", "did", outcome.DID, "session_id", outcome.SessionID, "err", err)
			return err
		}
		log.Debug("信誉已更新", "did", outcome.DID, "success", outcome.Success)
		return nil
	}
}
