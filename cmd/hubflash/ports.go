package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/hubflash/internal/transport"
)

func newPortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List candidate serial ports and whether they are free",
		Long: `List serial ports that look like a supported USB bridge (CP210x, CH34x,
FTDI or ESP32 native USB). Busy ports show the processes holding them when
lsof is available.`,
		Example: `  hubflash ports`,
		RunE:    portsRun,
	}

	return cmd
}

func portsRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	resolver := newResolver(newRunner())
	statuses, err := resolver.ListPorts(context.Background())
	if err != nil {
		return fmt.Errorf("listing ports: %w", err)
	}
	log.Debug("ports listed", "count", len(statuses))

	printPorts(statuses)
	return nil
}

func printPorts(statuses []transport.PortStatus) {
	if len(statuses) == 0 {
		fmt.Println("No candidate ports found.")
		return
	}

	fmt.Printf("%-28s %-22s %-10s %s\n", "PORT", "VENDOR", "STATE", "DETAIL")
	for _, st := range statuses {
		vendor := st.Vendor
		if vendor == "" {
			vendor = "-"
		}
		fmt.Printf("%-28s %-22s %-10s %s\n", st.Path, vendor, st.State, portDetail(st))
	}
}

func portDetail(st transport.PortStatus) string {
	switch {
	case st.Busy != nil && !st.Busy.Known:
		return "cannot determine holders"
	case st.Busy != nil && len(st.Busy.Holders) == 0:
		return "in use"
	case st.Busy != nil:
		holders := make([]string, len(st.Busy.Holders))
		for i, h := range st.Busy.Holders {
			holders[i] = h.String()
		}
		return "held by " + strings.Join(holders, ", ")
	case st.Err != nil:
		return st.Err.Error()
	case st.Product != "":
		return st.Product
	}
	return ""
}
