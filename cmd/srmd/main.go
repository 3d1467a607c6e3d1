package main

// ============================================================================
// srmd 入口點
// 所有邏輯在 internal/cli；這裡只處理頂層錯誤與 panic
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/srm-lifecycle/internal/cli"
)

// version 由 -ldflags "-X main.version=..." 注入
var version = ""

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	if version != "" {
		cli.Version = version
	}
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
