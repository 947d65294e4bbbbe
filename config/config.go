// Package config provides a go-simpler.org/env configuration table and
// helpers for working with the key/value lists stored in .env files.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"go-simpler.org/env"

	"voxrelay.dev/utils/apputil"
	"voxrelay.dev/utils/chk"
	"voxrelay.dev/utils/log"
	"voxrelay.dev/utils/lol"
	"voxrelay.dev/version"
)

// C is the configuration for the relay. Values are read from the
// environment if present, or from a .env file in the config directory that
// is read first and overridden by the environment. A loaded C is never
// mutated after startup and is shared by reference across all sessions.
type C struct {
	AppName         string `env:"VOX_APP_NAME" default:"voxrelay"`
	Config          string `env:"VOX_CONFIG_DIR" usage:"location for the configuration file, which has the name '.env', a standard environment KEY=value<newline>... style file"`
	Listen          string `env:"VOX_LISTEN" default:"0.0.0.0" usage:"network listen address"`
	Port            int    `env:"VOX_PORT" default:"3400" usage:"port to listen on"`
	LogLevel        string `env:"VOX_LOG_LEVEL" default:"info" usage:"debug level: fatal error warn info debug trace"`
	Pprof           bool   `env:"VOX_PPROF" default:"false" usage:"enable pprof on 127.0.0.1:6060"`
	MaxConns        int    `env:"VOX_MAX_CONNS" default:"512" usage:"maximum simultaneous inbound connections"`
	VoicePath       string `env:"VOX_VOICE_PATH" default:"/voice" usage:"path that accepts voice websocket upgrades"`
	UpstreamURL     string `env:"VOX_UPSTREAM_URL" usage:"url of the upstream realtime websocket endpoint"`
	UpstreamKey     string `env:"VOX_UPSTREAM_KEY" usage:"bearer credential for the upstream realtime endpoint"`
	UpstreamHeaders string `env:"VOX_UPSTREAM_HEADERS" usage:"JSON object of extra headers for the upstream connection; only string values are honored"`
	Heartbeat       bool   `env:"VOX_HEARTBEAT" default:"true" usage:"ping clients periodically and drop dead peers"`
	CookieKey       string `env:"VOX_COOKIE_KEY" usage:"hex encoded 32 byte key sealing the session cookie"`
	OAuthClientID   string `env:"VOX_OAUTH_CLIENT_ID" usage:"oauth client id for the login flow"`
	OAuthSecret     string `env:"VOX_OAUTH_SECRET" usage:"oauth client secret for the login flow"`
	OAuthAuthURL    string `env:"VOX_OAUTH_AUTH_URL" usage:"authorization endpoint of the oauth server"`
	OAuthTokenURL   string `env:"VOX_OAUTH_TOKEN_URL" usage:"token endpoint of the oauth server"`
	OAuthRedirect   string `env:"VOX_OAUTH_REDIRECT" usage:"redirect url registered for the oauth client"`
	TasksURL        string `env:"VOX_TASKS_URL" usage:"base url of the task list API"`
	TasksToken      string `env:"VOX_TASKS_TOKEN" usage:"bearer token for the task list API"`
	CodeURL         string `env:"VOX_CODE_URL" usage:"base url of the code hosting API"`
	CodeToken       string `env:"VOX_CODE_TOKEN" usage:"bearer token for the code hosting API"`
	ChatURL         string `env:"VOX_CHAT_URL" usage:"url of the chat completion API"`
	ChatKey         string `env:"VOX_CHAT_KEY" usage:"api key for the chat completion API"`
	ScrapeURL       string `env:"VOX_SCRAPE_URL" usage:"base url of the web scrape API"`
	ScrapeKey       string `env:"VOX_SCRAPE_KEY" usage:"api key for the web scrape API"`
}

// New creates a new config.C, layering the .env file under the process
// environment.
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.T(err) {
		return
	}
	if cfg.Config == "" {
		cfg.Config = filepath.Join(xdg.ConfigHome, cfg.AppName)
	}
	envPath := filepath.Join(cfg.Config, ".env")
	if apputil.FileExists(envPath) {
		var src fileSource
		if src, err = readEnvFile(envPath); chk.T(err) {
			return
		}
		if err = env.Load(
			cfg, &env.Options{SliceSep: ",", Source: src},
		); chk.E(err) {
			return
		}
		lol.SetLogLevel(cfg.LogLevel)
		log.I.F("loaded configuration from %s", envPath)
	}
	return
}

// fileSource is an env.Source backed by the key/values of a .env file.
type fileSource map[string]string

func (f fileSource) LookupEnv(key string) (string, bool) {
	// the process environment wins over the file
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := f[key]
	return v, ok
}

func readEnvFile(path string) (src fileSource, err error) {
	var fd *os.File
	if fd, err = os.Open(path); chk.E(err) {
		return
	}
	defer fd.Close()
	src = fileSource{}
	scan := bufio.NewScanner(fd)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		src[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	err = scan.Err()
	return
}

// HelpRequested returns true if any of the common types of help invocation
// are found as the first command line parameter/flag.
func HelpRequested() (help bool) {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "help", "-h", "--h", "-help", "--help", "?":
			help = true
		}
	}
	return
}

// GetEnv processes os.Args to detect a request for printing the current
// settings as a list of environment variable key/values.
func GetEnv() (requested bool) {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "env":
			requested = true
		}
	}
	return
}

// KV is a key/value pair.
type KV struct{ Key, Value string }

// KVSlice is a collection of key/value pairs.
type KVSlice []KV

func (kv KVSlice) Len() int           { return len(kv) }
func (kv KVSlice) Less(i, j int) bool { return kv[i].Key < kv[j].Key }
func (kv KVSlice) Swap(i, j int)      { kv[i], kv[j] = kv[j], kv[i] }

// EnvKV turns a struct with `env` tags (used with go-simpler/env) into a
// standard formatted environment variable key/value pair list. Note you
// must dereference a pointer type to use this.
func EnvKV(cfg any) (m KVSlice) {
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		k := t.Field(i).Tag.Get("env")
		v := reflect.ValueOf(cfg).Field(i).Interface()
		var val string
		switch v.(type) {
		case string:
			val = v.(string)
		case int, bool, time.Duration:
			val = fmt.Sprint(v)
		case []string:
			arr := v.([]string)
			if len(arr) > 0 {
				val = strings.Join(arr, ",")
			}
		}
		// this can happen with embedded structs
		if k == "" {
			continue
		}
		m = append(m, KV{k, val})
	}
	return
}

// PrintEnv renders the key/values of a config.C to a provided io.Writer.
func PrintEnv(cfg *C, printer io.Writer) {
	kvs := EnvKV(*cfg)
	sort.Sort(kvs)
	for _, v := range kvs {
		_, _ = fmt.Fprintf(printer, "%s=%s\n", v.Key, v.Value)
	}
}

// PrintHelp outputs a help text listing the configuration options and
// default values to a provided io.Writer (usually os.Stderr or os.Stdout).
func PrintHelp(cfg *C, printer io.Writer) {
	_, _ = fmt.Fprintf(printer, "%s %s\n\n", cfg.AppName, version.V)
	_, _ = fmt.Fprintf(
		printer,
		"Environment variables that configure %s:\n\n", cfg.AppName,
	)
	env.Usage(cfg, printer, &env.Options{SliceSep: ","})
	_, _ = fmt.Fprintf(
		printer,
		"\nCLI parameter 'help' also prints this information\n"+
			"\n.env file found at the path %s will be automatically "+
			"loaded for configuration.\nenvironment overrides it and you "+
			"can also edit the file to set configuration options\n\n"+
			"use the parameter 'env' to print out the current "+
			"configuration to the terminal\n\n"+
			"set the environment using\n\n\t%s env > %s/.env\n",
		cfg.Config, os.Args[0], cfg.Config,
	)
	fmt.Fprintf(printer, "\ncurrent configuration:\n\n")
	PrintEnv(cfg, printer)
	fmt.Fprintln(printer)
}
