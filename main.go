package main

import (
	"fmt"
	"os"

	"github.com/mattih11/commrat/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		if code, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(code.ExitCode())
		}
		os.Exit(1)
	}
}
