package flake

import (
	"hash/adler32"
	"os"

	"github.com/bwmarrin/snowflake"
)

var globalIdGenerator *snowflake.Node = nil

// Node returns the global ID generator
// constraints: see also NewNode
func Node() *snowflake.Node {
	if globalIdGenerator == nil {
		globalIdGenerator = NewNode()
	}
	return globalIdGenerator
}

// NewNode creates a new ID generator,
// constraints: creating two new instances within a few microseconds, will create generators with the same seed
func NewNode() *snowflake.Node {
	hash32 := adler32.New()
	for _, e := range os.Environ() {
		hash32.Sum([]byte(e))
	}
	node, err := snowflake.NewNode(int64(hash32.Sum32()) % 1024)
	if err != nil {
		panic("can't initialize snowflake ID generator. Message: " + err.Error())
	}
	return node
}
