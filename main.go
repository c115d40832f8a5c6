package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ubs-connector/ubssync/internal/lock"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		closeLogFile()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, lock.ErrHeld):
		return exitLockHeld
	case errors.Is(err, errRunIncomplete):
		return exitIncomplete
	default:
		return exitError
	}
}
