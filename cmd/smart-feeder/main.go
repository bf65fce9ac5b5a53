package main

import (
	"fmt"
	"os"

	"github.com/John-Hauff/smart-bird-feeder/internal/feeder"
	"github.com/John-Hauff/smart-bird-feeder/internal/recipients"
	serialhelper "github.com/John-Hauff/smart-bird-feeder/internal/serial-helper"
	"github.com/sirupsen/logrus"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "<not set>"

var log = logrus.New()

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	if len(os.Args) < 2 {
		log.Info("Usage: smart-feeder <feeder|serial-helper|recipients> [args]")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	var err error
	switch subcommand {
	case "feeder":
		err = feeder.Run(args, version)
	case "serial-helper":
		err = serialhelper.Run(args, version)
	case "recipients":
		err = recipients.Run(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
