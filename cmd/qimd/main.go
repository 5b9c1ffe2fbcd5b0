// qimd 实时消息引擎服务
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath  string
		printConfig bool
		showVersion bool
	)
	pflag.StringVarP(&configPath, "config", "c", "", "config file (yaml/json/toml), empty for defaults + QIM_* env")
	pflag.BoolVar(&printConfig, "print-config", false, "print the effective config as YAML and exit")
	pflag.BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath, printConfig); err != nil {
		fmt.Fprintf(os.Stderr, "qimd: %v\n", err)
		os.Exit(1)
	}
}
