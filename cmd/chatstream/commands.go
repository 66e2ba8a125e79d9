package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ccbrown/keyvaluestore/redisstore"
	"github.com/go-redis/redis"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/malikk908/chatstream"
	"github.com/malikk908/chatstream/devserver"
	"github.com/malikk908/chatstream/live"
	"github.com/malikk908/chatstream/merge"
	"github.com/malikk908/chatstream/metrics"
	"github.com/malikk908/chatstream/model"
	"github.com/malikk908/chatstream/mutation"
)

type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string

	config *FileConfig
	logger *logrus.Logger
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "chatstream",
		Short:         "Follow chat message streams and run a reference chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfigFile(opts.configPath)
			if err != nil {
				return err
			}
			if err := cfg.LoadEnv(opts.envFile); err != nil {
				return err
			}
			opts.config = cfg

			opts.logger = logrus.New()
			opts.logger.SetOutput(cmd.ErrOrStderr())
			level := opts.logLevel
			if level == "" {
				level = cfg.Logging.Level
			}
			if level != "" {
				parsed, err := logrus.ParseLevel(level)
				if err != nil {
					return errors.Wrap(err, "invalid log level")
				}
				opts.logger.SetLevel(parsed)
			} else {
				opts.logger.SetLevel(logrus.WarnLevel)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a yaml config file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "path to an env file")
	flags.StringVar(&opts.logLevel, "log-level", "", "the log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCommand(opts), newTailCommand(opts), newSendCommand(opts))
	return cmd
}

type streamFlags struct {
	url          string
	token        string
	channel      string
	conversation string
}

func (f *streamFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.url, "url", "", "the server's base url, e.g. http://127.0.0.1:8080")
	flags.StringVar(&f.token, "token", "", "the bearer token")
	flags.StringVar(&f.channel, "channel", "", "the channel to use")
	flags.StringVar(&f.conversation, "conversation", "", "the conversation to use")
}

func (f *streamFlags) resolve(cfg *FileConfig) (model.Stream, error) {
	if f.url == "" {
		f.url = cfg.Client.URL
	}
	if f.token == "" {
		f.token = cfg.Client.Token
	}
	if f.url == "" {
		return model.Stream{}, errors.New("a url is required")
	}
	if (f.channel == "") == (f.conversation == "") {
		return model.Stream{}, errors.New("exactly one of --channel and --conversation is required")
	} else if f.channel != "" {
		return model.Channel(model.Id(f.channel)), nil
	}
	return model.Conversation(model.Id(f.conversation)), nil
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	var (
		address      string
		token        string
		natsURL      string
		redisAddress string
		pages        int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference chat backend with an in-memory store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config.Server
			if !cmd.Flags().Changed("address") && cfg.Address != "" {
				address = cfg.Address
			}
			if token == "" {
				token = cfg.Token
			}
			if natsURL == "" {
				natsURL = cfg.NATSURL
			}
			if redisAddress == "" {
				redisAddress = cfg.RedisAddress
			}
			if pages == 0 {
				pages = cfg.PageSize
			}
			serverConfig := &devserver.Config{
				Token:     token,
				PageSize:  pages,
				JoinRate:  rate.Limit(cfg.JoinRate),
				JoinBurst: cfg.JoinBurst,
			}
			if redisAddress == "" {
				opts.logger.Info("using a temporary database. if you would like data to be persistent, provide --redis-address")
			} else {
				client := redis.NewClient(&redis.Options{
					Addr: redisAddress,
				})
				defer client.Close()
				serverConfig.Backend = &redisstore.Backend{
					Client: client,
				}
			}
			return serve(cmd.Context(), cmd.OutOrStdout(), opts.logger, serverConfig, address, natsURL)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&address, "address", ":8080", "the address to listen on")
	flags.StringVar(&token, "token", "", "require this bearer token")
	flags.StringVar(&natsURL, "nats-url", "", "also publish events to this nats server")
	flags.StringVar(&redisAddress, "redis-address", "", "can be used to run with a redis database")
	flags.IntVar(&pages, "page-size", 0, "the history page size")
	return cmd
}

func serve(ctx context.Context, out io.Writer, logger *logrus.Logger, cfg *devserver.Config, address, natsURL string) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	cfg.Gatherer = registry
	cfg.Metrics = metrics.New(registry)
	cfg.Logger = logger

	if natsURL != "" {
		nc, err := nats.Connect(natsURL, nats.Name("chatstream-devserver"))
		if err != nil {
			return errors.Wrap(err, "unable to connect to nats")
		}
		defer nc.Close()
		cfg.NATS = nc
	}

	s := devserver.NewServer(cfg)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "unable to listen")
	}

	server := &http.Server{
		Handler:     s,
		ReadTimeout: 2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		s.Close()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error(err)
		}
	}()

	fmt.Fprintf(out, "listening at http://%v\n", listener.Addr())
	if err := server.Serve(listener); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newClient(opts *globalOptions, f *streamFlags, natsURL string) (*chatstream.Client, error) {
	historyURL, mutationURL, pushURL, err := endpoints(f.url)
	if err != nil {
		return nil, err
	}
	cfg := &chatstream.Config{
		HistoryURL:  historyURL,
		MutationURL: mutationURL,
		PushURL:     pushURL,
		Token:       f.token,
		Logger:      opts.logger,
		OnStateChange: func(state live.State) {
			opts.logger.WithField("state", state).Info("push channel state changed")
		},
	}
	if natsURL != "" {
		cfg.Transport = &live.NATSTransport{
			URL:    natsURL,
			Logger: opts.logger,
		}
	}
	return chatstream.NewClient(cfg)
}

func newTailCommand(opts *globalOptions) *cobra.Command {
	var (
		f       streamFlags
		pages   int
		follow  bool
		natsURL string
		utc     bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print a stream's recent history and follow new messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := f.resolve(opts.config)
			if err != nil {
				return err
			}
			if natsURL == "" {
				natsURL = opts.config.Client.NATSURL
			}
			client, err := newClient(opts, &f, natsURL)
			if err != nil {
				return err
			}
			defer client.Close()

			loc := time.Local
			if utc {
				loc = time.UTC
			}
			return tail(cmd.Context(), client, stream, &printer{
				out:     cmd.OutOrStdout(),
				loc:     loc,
				printed: map[model.Id]string{},
			}, pages, follow)
		},
	}

	flags := cmd.Flags()
	f.register(flags)
	flags.IntVar(&pages, "pages", 1, "the number of history pages to print")
	flags.BoolVar(&follow, "follow", true, "keep printing changes as they happen")
	flags.StringVar(&natsURL, "nats-url", "", "receive events from this nats server instead of the push endpoint")
	flags.BoolVar(&utc, "utc", false, "print times in utc")
	return cmd
}

func tail(ctx context.Context, client *chatstream.Client, stream model.Stream, p *printer, pages int, follow bool) error {
	s, err := client.Open(stream)
	if err != nil {
		return err
	}
	defer s.Close()

	loaded, ready := 1, false
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-s.Updates():
			if model.KindOf(u.Err) == model.Unauthorized {
				return u.Err
			} else if !u.View.Loaded {
				if u.Err != nil {
					return u.Err
				}
				continue
			}

			if !ready {
				if loaded < pages && u.View.HasMore {
					if s.LoadOlder() {
						loaded++
					}
					continue
				}
				ready = true
			}

			p.print(u.View.Items)
			if !follow {
				return nil
			}
		}
	}
}

type printer struct {
	out     io.Writer
	loc     *time.Location
	printed map[model.Id]string
}

func (p *printer) format(m *model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.DisplayTime(p.loc), m.MemberId, m.DisplayBody())
	if m.Attachment != nil {
		fmt.Fprintf(&b, " [%s: %s]", m.Attachment.Kind, m.Attachment.URL)
	}
	if m.IsUpdated() && !m.Deleted {
		b.WriteString(" (edited)")
	}
	return b.String()
}

// print writes messages it hasn't written before, oldest first, and rewrites changed ones with a
// leading "~".
func (p *printer) print(items []merge.Item) {
	for i := len(items) - 1; i >= 0; i-- {
		m := &items[i].Message
		line := p.format(m)
		prev, ok := p.printed[m.Id]
		if ok && prev == line {
			continue
		}
		p.printed[m.Id] = line
		if ok {
			fmt.Fprintln(p.out, "~ "+line)
		} else {
			fmt.Fprintln(p.out, line)
		}
	}
}

func newSendCommand(opts *globalOptions) *cobra.Command {
	var (
		f       streamFlags
		fileURL string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [content]",
		Short: "Send a message to a stream",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := f.resolve(opts.config)
			if err != nil {
				return err
			}
			_, mutationURL, _, err := endpoints(f.url)
			if err != nil {
				return err
			}

			draft := mutation.Draft{
				FileURL: fileURL,
			}
			if len(args) > 0 {
				draft.Content = args[0]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := &mutation.Client{
				URL:    mutationURL,
				Token:  f.token,
				Logger: opts.logger,
			}
			m, err := client.Send(ctx, stream, draft)
			if err != nil {
				return err
			} else if m != nil {
				fmt.Fprintln(cmd.OutOrStdout(), m.Id)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	f.register(flags)
	flags.StringVar(&fileURL, "file-url", "", "attach the file at this url")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "the request timeout")
	return cmd
}
