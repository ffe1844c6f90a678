package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/johnwbyrd/comprehend-benchmark/internal/batch"
	"github.com/johnwbyrd/comprehend-benchmark/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var (
		failed     *cli.AttemptsFailedError
		rateLimit  *batch.RateLimitError
		incomplete *cli.IncompleteError
	)
	switch {
	case errors.As(err, &failed):
		return 3
	case errors.As(err, &rateLimit):
		return 4
	case errors.As(err, &incomplete):
		return 5
	default:
		return 1
	}
}
