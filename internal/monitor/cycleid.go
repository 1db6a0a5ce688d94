package monitor

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	idNode *snowflake.Node
	idOnce sync.Once
	idErr  error
)

// InitIDs sets the snowflake node used for cycle ids. Calling it is optional;
// node 1 is used otherwise. Only the first call has an effect.
func InitIDs(nodeID int64) error {
	idOnce.Do(func() {
		idNode, idErr = snowflake.NewNode(nodeID)
	})
	return idErr
}

// NewCycleID returns a time-ordered unique cycle id.
func NewCycleID() string {
	if err := InitIDs(1); err != nil || idNode == nil {
		return ""
	}
	return idNode.Generate().String()
}
