package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/leo-huovi/remdis/internal/errs"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps a failure to the process exit code spec.md §6 assigns
// it: 64 configuration error, 69 bus unavailable after the retry
// budget, 70 any other unhandled internal error.
func exitCode(err error) int {
	var e *errs.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case errs.KindConfigInvalid:
			return 64
		case errs.KindBusUnavailable:
			return 69
		}
	}
	return 70
}
