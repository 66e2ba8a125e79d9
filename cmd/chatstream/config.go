package main

import (
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/malikk908/chatstream/devserver"
)

// FileConfig is the layout of the optional YAML config file. Flags take precedence over the file,
// and the file takes precedence over the environment.
type FileConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Address      string  `yaml:"address"`
	Token        string  `yaml:"token"`
	PageSize     int     `yaml:"page_size"`
	NATSURL      string  `yaml:"nats_url"`
	RedisAddress string  `yaml:"redis_address"`
	JoinRate     float64 `yaml:"join_rate"`
	JoinBurst    int     `yaml:"join_burst"`
}

type ClientConfig struct {
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	NATSURL string `yaml:"nats_url"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfigFile reads a YAML config file. An empty path yields the defaults.
func LoadConfigFile(path string) (*FileConfig, error) {
	cfg := &FileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "unable to parse config file")
	}
	return cfg, nil
}

// LoadEnv loads the env file, if it exists, and fills in whatever the config file left empty.
func (cfg *FileConfig) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return errors.Wrap(err, "unable to load env file")
		}
	}
	setDefault := func(dest *string, key string) {
		if *dest == "" {
			*dest = os.Getenv(key)
		}
	}
	setDefault(&cfg.Server.Address, "CHATSTREAM_ADDRESS")
	setDefault(&cfg.Server.Token, "CHATSTREAM_SERVER_TOKEN")
	setDefault(&cfg.Server.NATSURL, "CHATSTREAM_NATS_URL")
	setDefault(&cfg.Server.RedisAddress, "CHATSTREAM_REDIS_ADDRESS")
	setDefault(&cfg.Client.URL, "CHATSTREAM_URL")
	setDefault(&cfg.Client.Token, "CHATSTREAM_TOKEN")
	setDefault(&cfg.Client.NATSURL, "CHATSTREAM_NATS_URL")
	setDefault(&cfg.Logging.Level, "CHATSTREAM_LOG_LEVEL")
	return nil
}

// endpoints derives the history, mutation, and push URLs from a server's base URL.
func endpoints(base string) (historyURL, mutationURL, pushURL string, err error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", "", "", errors.Wrap(err, "invalid url")
	}
	ws := *u
	switch u.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return "", "", "", errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return u.String() + devserver.HistoryPath, u.String() + devserver.MutationPath, ws.String() + devserver.PushPath, nil
}
