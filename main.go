package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/numtide/harmonia/cmd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c := cmd.New()

	if err := c.Run(context.Background(), os.Args); err != nil {
		log.Printf("error running the application: %s", err)

		var fatal cmd.FatalRuntimeError
		if errors.As(err, &fatal) {
			return 2
		}

		return 1
	}

	return 0
}
