package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/hubflash/internal/artifacts"
	"github.com/BadgerOps/hubflash/internal/esptool"
	"github.com/BadgerOps/hubflash/internal/flashplan"
	"github.com/BadgerOps/hubflash/internal/manifest"
)

var planManifest string

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Resolve a release bundle and validate its flash plan",
		Long: `Load a release manifest, select the plaintext or encrypted artifact for
each region, and check every image against its partition capacity. No
hardware is touched. A factory_cfg image is included when the manifest
declares one.`,
		Example: `  hubflash plan --manifest releases/main-hub-1.4.0
  hubflash plan --manifest main-hub-1.4.0`,
		RunE: planRun,
	}

	cmd.Flags().StringVar(&planManifest, "manifest", "", "release bundle directory, manifest file, or bundle name under the release dir")

	return cmd
}

func planRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	m, err := manifest.Load(globalCfg.ReleaseManifest(planManifest))
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}

	sel, err := artifacts.Select(m, flashplan.ImageRegions, log)
	if err != nil {
		return err
	}
	files := sel.Files()
	if name := m.Artifacts.Get(flashplan.RegionFactoryConfig); name != "" {
		path, err := m.Resolve(name)
		if err != nil {
			return err
		}
		files[flashplan.RegionFactoryConfig] = path
	}

	plan, err := flashplan.New(files)
	if err != nil {
		return err
	}

	fmt.Printf("Bundle:      %s\n", m.Bundle())
	fmt.Printf("Encryption:  %s\n", encryptionMode(m))
	fmt.Printf("Write mode:  %s\n\n", esptool.ChooseMode(sel.AnyEncrypted, m.Encrypted()))
	verr := flashplan.Validate(plan)
	printPlan(plan)

	if verr != nil {
		return verr
	}
	fmt.Println("\nPlan OK")
	return nil
}

func encryptionMode(m *manifest.Manifest) string {
	if m.Encrypted() {
		return "enabled"
	}
	if m.FlashEncryption == "" {
		return "disabled (unset)"
	}
	return m.FlashEncryption
}
