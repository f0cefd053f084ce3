package common

import (
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const (
	NA       = "N/A"
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

func idNode() *snowflake.Node {
	nodeOnce.Do(func() {
		var err error
		node, err = snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
	})
	return node
}

// UUIDint64 returns a unique, time ordered int64 id.
func UUIDint64() int64 {
	return idNode().Generate().Int64()
}

// IfEmptyStr returns defval when src is blank.
func IfEmptyStr(src string, defval string) string {
	if strings.TrimSpace(src) == "" {
		return defval
	}
	return src
}
