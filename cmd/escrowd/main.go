package main

// ============================================================================
// 職責說明：
// 1. escrowd 入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/milestone-escrow/internal/cli"
)

var (
	version = "dev" // 由 CI 注入
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}

/*
# 編譯
go build -o bin/escrowd ./cmd/escrowd

# 執行服務
./bin/escrowd serve -c configs/default.yaml

# 客戶端
./bin/escrowd --as 0x...a1 create-fund 0x...b2 3 100 300

# 編譯時注入版本
go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/escrowd
*/
