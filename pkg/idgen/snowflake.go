// 文件: pkg/idgen/snowflake.go
// 雪花算法 ID 生成器
// 使用开源库: github.com/bwmarrin/snowflake
//
// 订单 ID、成交 ID 都从这里生成，多个撮合引擎共享同一个节点（Generate 内部有锁）

package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator 雪花 ID 生成器
type Generator struct {
	node *snowflake.Node
}

// New 创建生成器
// nodeID: 节点ID (0-1023)
func New(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// MustNew 创建失败直接 panic
func MustNew(nodeID int64) *Generator {
	g, err := New(nodeID)
	if err != nil {
		panic(err)
	}
	return g
}

// Next 生成下一个 ID（单调递增，并发安全）
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}
