package serialhelper

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/John-Hauff/smart-bird-feeder/internal/feeder"
	"github.com/John-Hauff/smart-bird-feeder/seriallink"
	"github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
)

var (
	version = "<not set>"
	log     = logrus.New()
)

type Args struct {
	Commands  []string      `arg:"positional" help:"commands to send in order: open-hatch, close-hatch, poll-feed-level (or o, c, u)"`
	ConfigDir string        `arg:"-c,--config" help:"path to the configuration directory"`
	Device    string        `arg:"--device" help:"serial device, overrides the config"`
	Listen    time.Duration `arg:"--listen" help:"how long to print replies for after each command"`
	Reset     bool          `arg:"--reset" help:"pulse the reset pin from the config before opening the device"`
	LogLevel  string        `arg:"-l, --loglevel" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	ConfigDir: feeder.DefaultConfigDir,
	Listen:    3 * time.Second,
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

// pollInterval is how often the link is checked for replies.
const pollInterval = 10 * time.Millisecond

// Run sends commands to the feeder device and prints what it says back, for
// checking the wiring and the firmware on the bench.
func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	if lvl, err := logrus.ParseLevel(args.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	commands := make([]seriallink.Command, 0, len(args.Commands))
	for _, c := range args.Commands {
		cmd, err := seriallink.ParseCommand(c)
		if err != nil {
			return err
		}
		commands = append(commands, cmd)
	}

	conf, err := feeder.ParseConfig(args.ConfigDir)
	if err != nil {
		return err
	}
	serialConf := conf.Serial
	if args.Device != "" {
		serialConf.Device = args.Device
	}
	if !args.Reset {
		serialConf.ResetPin = ""
	}

	log.Printf("Opening %s", serialConf.Device)
	link, err := seriallink.Open(serialConf, log)
	if err != nil {
		return err
	}
	defer link.Close()
	log.Println("Serial acquired")

	// Anything sent before we asked is printed first.
	if err := printReplies(link, 0); err != nil {
		return err
	}
	for _, cmd := range commands {
		log.Printf("Sending %s", cmd)
		if err := link.WriteCommand(cmd); err != nil {
			return err
		}
		if err := printReplies(link, args.Listen); err != nil {
			return err
		}
	}
	if len(commands) == 0 {
		return printReplies(link, args.Listen)
	}
	return nil
}

func printReplies(link *seriallink.Link, listen time.Duration) error {
	deadline := time.Now().Add(listen)
	var got []string
	for {
		for link.HasPendingByte() {
			b, err := link.ReadByte()
			if errors.Is(err, seriallink.ErrNoPendingByte) {
				break
			}
			if err != nil {
				return err
			}
			status := seriallink.Status(b)
			if status.Known() {
				log.Printf("Received %s", status)
			} else {
				log.Printf("Received %s, not part of the protocol", status)
			}
			got = append(got, status.String())
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(pollInterval)
	}
	if listen > 0 && len(got) == 0 {
		log.Printf("No reply in %s", listen)
	} else if len(got) > 0 {
		log.Debugf("Replies: %s", strings.Join(got, ", "))
	}
	return nil
}
