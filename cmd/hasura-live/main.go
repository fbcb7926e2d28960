package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	hasuralive "github.com/osaxma/hasura-live"
)

type options struct {
	endpoint      string
	headers       []string
	token         string
	tokenFile     string
	tokenRefresh  time.Duration
	query         string
	variables     string
	key           string
	subscribe     bool
	timeout       time.Duration
	retryAttempts int
	retryDelay    time.Duration
	logLevel      string
}

func parseFlags(args []string) (*options, error) {
	var opts options
	flags := pflag.NewFlagSet("hasura-live", pflag.ContinueOnError)
	flags.StringVar(&opts.endpoint, "endpoint", "", "the websocket url of the graphql endpoint")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, "a header to send with connection_init, formatted as \"name: value\"")
	flags.StringVar(&opts.token, "token", "", "the bearer token")
	flags.StringVar(&opts.tokenFile, "token-file", "", "a file containing the bearer token, re-read periodically")
	flags.DurationVar(&opts.tokenRefresh, "token-refresh", 30*time.Second, "how often to re-read the token file")
	flags.StringVarP(&opts.query, "query", "q", "", "the graphql operation")
	flags.StringVar(&opts.variables, "variables", "", "the operation's variables as a json object")
	flags.StringVar(&opts.key, "key", "", "the operation id (derived from the operation and variables by default)")
	flags.BoolVar(&opts.subscribe, "subscribe", false, "print messages until the subscription completes instead of waiting for one response")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for a response")
	flags.IntVar(&opts.retryAttempts, "retry-attempts", 0, "how many times to retry the first connection attempt")
	flags.DurationVar(&opts.retryDelay, "retry-delay", time.Second, "how long to wait between connection attempts")
	flags.StringVar(&opts.logLevel, "log-level", "warning", "the minimum level to log")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if opts.endpoint == "" {
		return nil, errors.New("the --endpoint flag is required")
	} else if opts.query == "" {
		return nil, errors.New("the --query flag is required")
	} else if opts.token != "" && opts.tokenFile != "" {
		return nil, errors.New("the --token and --token-file flags are mutually exclusive")
	} else if opts.tokenRefresh <= 0 {
		return nil, errors.New("the --token-refresh flag must be positive")
	}
	return &opts, nil
}

func parseHeaders(headers []string) (map[string]string, error) {
	ret := make(map[string]string, len(headers))
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, errors.Errorf("invalid header %q", header)
		}
		ret[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return ret, nil
}

func readToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "unable to read token file")
	}
	return strings.TrimSpace(string(b)), nil
}

// watchTokenFile sends the file's contents to credentials whenever it is re-read. The client
// ignores tokens that haven't changed.
func watchTokenFile(ctx context.Context, logger logrus.FieldLogger, path string, interval time.Duration, credentials chan<- string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		token, err := readToken(path)
		if err != nil {
			logger.Warn(err)
			continue
		}
		select {
		case credentials <- token:
		case <-ctx.Done():
			return
		}
	}
}

// Run executes the command with the given arguments, writing each received message to stdout as
// a line of JSON.
func Run(ctx context.Context, stdout io.Writer, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	headers, err := parseHeaders(opts.headers)
	if err != nil {
		return err
	}

	var variables map[string]interface{}
	if opts.variables != "" {
		if err := jsoniter.UnmarshalFromString(opts.variables, &variables); err != nil {
			return errors.Wrap(err, "invalid variables")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := &hasuralive.Config{
		Logger:         logger,
		Endpoint:       opts.endpoint,
		Headers:        headers,
		RetryAttempts:  opts.retryAttempts,
		RetryDelay:     opts.retryDelay,
		RequestTimeout: opts.timeout,
	}

	watcherDone := make(chan struct{})
	if opts.token != "" || opts.tokenFile != "" {
		token := opts.token
		if opts.tokenFile != "" {
			if token, err = readToken(opts.tokenFile); err != nil {
				return err
			}
		}
		credentials := make(chan string, 1)
		credentials <- token
		cfg.Credentials = credentials

		if opts.tokenFile != "" {
			go func() {
				defer close(watcherDone)
				watchTokenFile(ctx, logger, opts.tokenFile, opts.tokenRefresh, credentials)
			}()
		} else {
			close(watcherDone)
		}
	} else {
		close(watcherDone)
	}
	defer func() {
		cancel()
		<-watcherDone
	}()

	client, err := hasuralive.NewClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	req := hasuralive.NewRequestWithKey(opts.key, opts.query, variables)
	encoder := jsoniter.NewEncoder(stdout)

	if !opts.subscribe {
		msg, err := client.Execute(ctx, req, opts.timeout)
		if err != nil {
			return err
		}
		return encoder.Encode(msg)
	}

	sub := client.Subscribe(req)
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err == hasuralive.ErrSubscriptionComplete {
			return nil
		} else if perr, ok := err.(*hasuralive.ProtocolError); ok {
			if err := encoder.Encode(perr.Message); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		}
		if err := encoder.Encode(msg); err != nil {
			return err
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := Run(ctx, os.Stdout, os.Args[1:]); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
