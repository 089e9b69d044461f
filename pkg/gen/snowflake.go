package gen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("gen", fx.Provide(NewSnowflakeNode))

// NodeID identifies this process in generated ids. A single API replica is assumed.
const NodeID = 1

func NewSnowflakeNode() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(NodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node: %w", err)
	}
	return node, nil
}
