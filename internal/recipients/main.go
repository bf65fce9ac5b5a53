package recipients

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/John-Hauff/smart-bird-feeder/internal/feeder"
	"github.com/John-Hauff/smart-bird-feeder/notify"
	"github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
)

var (
	version = "<not set>"
	log     = logrus.New()
)

type Args struct {
	List       *subcommand `arg:"subcommand:list"       help:"List the registered push tokens."`
	Add        *tokenArgs  `arg:"subcommand:add"        help:"Register a push token, or reactivate it."`
	Remove     *tokenArgs  `arg:"subcommand:remove"     help:"Forget a push token."`
	Deactivate *tokenArgs  `arg:"subcommand:deactivate" help:"Stop sending to a push token without forgetting it."`
	Test       *testArgs   `arg:"subcommand:test"       help:"Send a test push notification to every active token."`
	ConfigDir  string      `arg:"-c,--config" help:"path to the configuration directory"`
	LogLevel   string      `arg:"-l, --loglevel" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

type subcommand struct{}

type tokenArgs struct {
	Token string `arg:"positional,required" help:"the Expo push token, e.g. ExponentPushToken[xxxx]"`
}

type testArgs struct {
	Title string `arg:"--title" default:"Hello from your feeder" help:"notification title"`
	Body  string `arg:"--body" default:"Push notifications are working." help:"notification body"`
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	ConfigDir: feeder.DefaultConfigDir,
}

func procArgs(input []string) (Args, *arg.Parser, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, nil, err
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
	return args, parser, err
}

// Run manages who gets the feeder's push notifications.
func Run(inputArgs []string, ver string) error {
	version = ver
	args, parser, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	if lvl, err := logrus.ParseLevel(args.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	conf, err := feeder.ParseConfig(args.ConfigDir)
	if err != nil {
		return err
	}
	store, err := notify.OpenRecipientStore(conf.Notifications.RecipientsDB)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch {
	case args.List != nil:
		return list(ctx, store)
	case args.Add != nil:
		if !strings.HasPrefix(args.Add.Token, "ExponentPushToken[") && !strings.HasPrefix(args.Add.Token, "ExpoPushToken[") {
			log.Warnf("'%s' does not look like an Expo push token", args.Add.Token)
		}
		if err := store.Add(ctx, args.Add.Token); err != nil {
			return err
		}
		log.Infof("Added %s", args.Add.Token)
	case args.Remove != nil:
		if err := store.Remove(ctx, args.Remove.Token); err != nil {
			return err
		}
		log.Infof("Removed %s", args.Remove.Token)
	case args.Deactivate != nil:
		if err := store.Deactivate(ctx, args.Deactivate.Token); err != nil {
			return err
		}
		log.Infof("Deactivated %s", args.Deactivate.Token)
	case args.Test != nil:
		secrets, err := feeder.LoadSecrets(args.ConfigDir)
		if err != nil {
			return err
		}
		p := notify.NewPushNotifier(conf.Notifications.Push, store, secrets.PushAccessToken, log)
		if err := p.Notify(ctx, notify.Message{Title: args.Test.Title, Body: args.Test.Body}); err != nil {
			return err
		}
		log.Info("Test notification sent")
	default:
		parser.WriteHelp(os.Stdout)
	}
	return nil
}

func list(ctx context.Context, store *notify.RecipientStore) error {
	tokens, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		fmt.Println("No push tokens registered.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tACTIVE\tADDED\tDEACTIVATED")
	for _, t := range tokens {
		deactivated := "-"
		if t.DeactivatedAt != nil {
			deactivated = t.DeactivatedAt.Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", t.Token, t.Active, t.AddedAt.Format(time.DateTime), deactivated)
	}
	return w.Flush()
}
