package main

import (
	"fmt"
	"os"

	"github.com/BadgerOps/hubflash/internal/fault"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", fault.Diagnostic(err))
		os.Exit(1)
	}
}
