package agentreg

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Roster 是进程启动时加载的代理名册：参与者及其信任边。
type Roster struct {
	Agents []RosterAgent `yaml:"agents"`
	Trust  []TrustEdge   `yaml:"trust"`
}

// RosterAgent 是名册中的一个参与者。
type RosterAgent struct {
	DID       string `yaml:"did"`
	Role      Role   `yaml:"role"`
	PublicKey string `yaml:"public_key"`
}

// TrustEdge 是名册中的一条信任边。
type TrustEdge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadRoster 解析 YAML 名册文件。
func LoadRoster(path string) (*Roster, error) {
	if path == "" {
		return nil, errors.New("名册文件路径为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取名册文件失败: %w", err)
	}
	var roster Roster
	if err := yaml.Unmarshal(raw, &roster); err != nil {
		return nil, fmt.Errorf("解析名册文件失败: %w", err)
	}
	return &roster, nil
}

// Apply 将名册整体登记进注册表。
func (r *Registry) Apply(roster *Roster) error {
	if roster == nil {
		return errors.New("名册不能为空")
	}
	for _, agent := range roster.Agents {
		if err := r.RegisterAgent(agent.DID, agent.Role, agent.PublicKey); err != nil {
			return fmt.Errorf("登记代理 %s 失败: %w", agent.DID, err)
		}
	}
	for _, edge := range roster.Trust {
		if err := r.AddTrust(edge.From, edge.To); err != nil {
			return fmt.Errorf("登记信任边 %s -> %s 失败: %w", edge.From, edge.To, err)
		}
	}
	return nil
}
