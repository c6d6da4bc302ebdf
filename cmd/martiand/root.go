package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MartianFinance/core/internal/config"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "martiand",
		Short:         "Martian multi-agent orchestration daemon",
		Long:          "martiand runs the client gateway and the strategy, scout, risk and execution services, and inspects the service address directory.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config (default $MARTIAN_CONFIG or configs/martian.yaml)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newDirectoryCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// load 读取配置。未显式指定且默认文件不存在时使用内置默认值。
func (o *rootOptions) load() (*config.Config, error) {
	path := strings.TrimSpace(o.configPath)
	explicit := path != ""
	if !explicit {
		path = os.Getenv("MARTIAN_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = filepath.Join("configs", "martian.yaml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default("."), nil
		}
	}
	return config.Load(path)
}
