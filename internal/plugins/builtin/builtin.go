// Package builtin 通过空导入注册全部内置插件工厂。
package builtin

import (
	_ "starknet-agent-kit/internal/plugins/l1"
	_ "starknet-agent-kit/internal/plugins/rpc"
)
