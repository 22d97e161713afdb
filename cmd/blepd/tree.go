package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srg/blepd/internal/codec"
)

// treeCmd represents the tree command
var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the managed objects the peripheral publishes",
	Long: `Build the configured peripheral without touching the bus and print the
objects BlueZ would receive from GetManagedObjects (application and
advertisement) as YAML.`,
	Args: cobra.NoArgs,
	RunE: runTree,
}

func init() {
	treeCmd.Flags().String("controller", "", "Controller object path")
	treeCmd.Flags().String("name", "", "Advertised local name")
}

func runTree(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	p, err := newPeripheral(nil, cfg, logger)
	if err != nil {
		return err
	}

	objects := codec.ManagedObjects{}
	p.Application().Serialize(objects)
	for path, ifaces := range p.Advertisement().ManagedObjects() {
		for name, props := range ifaces {
			objects.Add(path, name, props)
		}
	}

	data, err := yaml.Marshal(objects.Plain())
	if err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
