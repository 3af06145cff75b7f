package main

import (
	"fmt"
	"os"

	"github.com/ManuelReschke/SubSync/internal/pkg/bootstrap"
	"github.com/ManuelReschke/SubSync/internal/pkg/config"
)

var Version = "dev"

func main() {
	rootCmd := newRootCmd(openRuntime)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openRuntime() (*bootstrap.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return bootstrap.New(cfg)
}
