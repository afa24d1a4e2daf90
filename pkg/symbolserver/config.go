package symbolserver

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/drone/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/symbolserver/pkg/objstore"
	"github.com/grafana/symbolserver/pkg/stash"
	"github.com/grafana/symbolserver/pkg/util"
)

// Config is the root config for the symbol server.
type Config struct {
	Log     util.LogConfig  `yaml:"log"`
	Server  ServerConfig    `yaml:"server"`
	Storage objstore.Config `yaml:"storage"`
	Stash   stash.Config    `yaml:"stash"`
}

type ServerConfig struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	HTTPListenPort          int           `yaml:"http_listen_port"`
	ReadTimeout             time.Duration `yaml:"http_server_read_timeout" category:"advanced"`
	WriteTimeout            time.Duration `yaml:"http_server_write_timeout" category:"advanced"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" category:"advanced"`
}

func (cfg *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&cfg.HTTPListenPort, "server.http-listen-port", 3000, "HTTP server listen port.")
	f.DurationVar(&cfg.ReadTimeout, "server.http-read-timeout", 30*time.Second, "Read timeout for entire HTTP request, including headers and body.")
	// Cold loads of large databases happen inside a request.
	f.DurationVar(&cfg.WriteTimeout, "server.http-write-timeout", 10*time.Minute, "Write timeout for HTTP server.")
	f.DurationVar(&cfg.GracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, "Timeout for graceful shutdowns.")
}

func (cfg *ServerConfig) Validate() error {
	if cfg.HTTPListenPort < 0 || cfg.HTTPListenPort > 65535 {
		return fmt.Errorf("invalid server.http-listen-port %d", cfg.HTTPListenPort)
	}
	return nil
}

func (cfg *ServerConfig) address() string {
	return fmt.Sprintf("%s:%d", cfg.HTTPListenAddress, cfg.HTTPListenPort)
}

// RegisterFlags registers flags for every component and applies their
// default values to cfg.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Log.RegisterFlags(f)
	cfg.Server.RegisterFlags(f)
	cfg.Storage.RegisterFlags(f)
	cfg.Stash.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if err := cfg.Log.Validate(); err != nil {
		return err
	}
	if err := cfg.Server.Validate(); err != nil {
		return err
	}
	if err := cfg.Storage.Validate(); err != nil {
		return errors.Wrap(err, "invalid storage config")
	}
	if err := cfg.Stash.Validate(); err != nil {
		return errors.Wrap(err, "invalid stash config")
	}
	return nil
}

// Flags binds the flags of a Config and remembers which of them were given
// explicitly, so that they take precedence over the config file.
type Flags struct {
	cfg *Config
	fs  *flag.FlagSet
	set []override
}

type override struct {
	name  string
	value string
}

// NewFlags returns Flags bound to a Config holding the default values.
func NewFlags() *Flags {
	f := &Flags{
		cfg: new(Config),
		fs:  flag.NewFlagSet("symbolserver", flag.ContinueOnError),
	}
	f.cfg.RegisterFlags(f.fs)
	return f
}

// Value is a flag value that can be handed to a command line parser.
type Value interface {
	String() string
	Set(string) error
}

// VisitAll calls fn for each flag. Values set through the passed Value are
// recorded as overrides.
func (f *Flags) VisitAll(fn func(name, usage string, value Value)) {
	f.fs.VisitAll(func(fl *flag.Flag) {
		fn(fl.Name, fl.Usage, f.recorder(fl))
	})
}

// Set assigns a flag by name, as if it was given on the command line.
func (f *Flags) Set(name, value string) error {
	if err := f.fs.Set(name, value); err != nil {
		return err
	}
	f.set = append(f.set, override{name: name, value: value})
	return nil
}

func (f *Flags) recorder(fl *flag.Flag) Value {
	r := &recordedValue{flags: f, name: fl.Name, value: fl.Value}
	if b, ok := fl.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
		return &recordedBoolValue{r}
	}
	return r
}

type recordedValue struct {
	flags *Flags
	name  string
	value flag.Value
}

func (r *recordedValue) String() string { return r.value.String() }

func (r *recordedValue) Set(s string) error { return r.flags.Set(r.name, s) }

type recordedBoolValue struct{ *recordedValue }

func (*recordedBoolValue) IsBoolFlag() bool { return true }

// Load reads the config file, if any, on top of the defaults and applies the
// recorded overrides last.
func (f *Flags) Load(file string, expandEnv bool) (*Config, error) {
	if file != "" {
		if err := loadYAML(f.cfg, file, expandEnv); err != nil {
			return nil, err
		}
		for _, o := range f.set {
			if err := f.fs.Set(o.name, o.value); err != nil {
				return nil, errors.Wrapf(err, "applying flag %s", o.name)
			}
		}
	}
	return f.cfg, nil
}

func loadYAML(dst *Config, file string, expandEnv bool) error {
	buf, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	if expandEnv {
		s, err := envsubst.EvalEnv(string(buf))
		if err != nil {
			return errors.Wrapf(err, "expanding env vars in %s", file)
		}
		buf = []byte(s)
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrapf(err, "parsing config file %s", file)
	}
	return nil
}
