package agentlink

import (
	"log/slog"
	"time"
)

// Default client configuration values.
const (
	defaultGracePeriod    = 5 * time.Second
	defaultStartTimeout   = 30 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultLogLevel       = "info"
)

// BinaryResolver locates a runnable server binary. The embedded installer
// collaborator satisfies it; so does any host-supplied lookup.
type BinaryResolver interface {
	Resolve() (string, error)
}

// clientOptions holds resolved construction-time configuration.
type clientOptions struct {
	binary    string
	binarySet bool
	args      []string
	cwd       string
	env       []string
	logLevel  string
	resolver  BinaryResolver

	serverURL string
	host      string
	port      int // external endpoint port, or requested spawn port

	useStdio bool
	stdioSet bool
	spawnPort int

	autoStart   bool
	autoRestart bool

	token           string
	useLoggedInUser *bool

	dialect Dialect
	logger  *slog.Logger

	gracePeriod    time.Duration
	startTimeout   time.Duration
	requestTimeout time.Duration
	maxMessageSize int
}

// Option configures a Client at construction time.
type Option func(*clientOptions)

// WithBinary sets the server executable name or path to spawn.
// Mutually exclusive with WithServerURL.
func WithBinary(binary string) Option {
	return func(o *clientOptions) {
		o.binary = binary
		o.binarySet = binary != ""
	}
}

// WithArgs sets extra arguments passed to the spawned server binary.
// Mutually exclusive with WithServerURL.
func WithArgs(args ...string) Option {
	return func(o *clientOptions) {
		o.args = args
	}
}

// WithBinaryResolver injects a resolver consulted when no explicit binary is
// configured, typically an embedded-CLI installer.
func WithBinaryResolver(r BinaryResolver) Option {
	return func(o *clientOptions) {
		o.resolver = r
	}
}

// WithCwd sets the working directory for the spawned server process.
func WithCwd(dir string) Option {
	return func(o *clientOptions) {
		o.cwd = dir
	}
}

// WithEnv sets the environment for the spawned server process.
// Defaults to the parent environment.
func WithEnv(env []string) Option {
	return func(o *clientOptions) {
		o.env = env
	}
}

// WithLogLevel sets the server's log level flag.
func WithLogLevel(level string) Option {
	return func(o *clientOptions) {
		if level != "" {
			o.logLevel = level
		}
	}
}

// WithServerURL attaches to an already-running server instead of spawning
// one. Accepted formats: "host:port", "scheme://host:port", or "port".
// Mutually exclusive with every local-spawn option (WithBinary, WithArgs,
// WithStdio, WithPort, WithToken, WithLoggedInUser).
func WithServerURL(url string) Option {
	return func(o *clientOptions) {
		o.serverURL = url
	}
}

// WithStdio selects pipe transport (true, the default) or socket transport
// (false) for the spawned server. Mutually exclusive with WithServerURL.
func WithStdio(useStdio bool) Option {
	return func(o *clientOptions) {
		o.useStdio = useStdio
		o.stdioSet = true
	}
}

// WithPort requests a specific TCP port for the spawned server and switches
// to socket transport. Zero lets the server pick. Mutually exclusive with
// WithServerURL.
func WithPort(port int) Option {
	return func(o *clientOptions) {
		if port > 0 {
			o.spawnPort = port
			o.useStdio = false
			o.stdioSet = true
		}
	}
}

// WithAutoStart controls whether session-creating calls start the client
// automatically. Default true.
func WithAutoStart(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoStart = enabled
	}
}

// WithAutoRestart controls whether the supervisor attempts exactly one
// restart cycle after an unexpected server exit. Default true.
func WithAutoRestart(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoRestart = enabled
	}
}

// WithToken authenticates the spawned server with a bearer token instead of
// the logged-in user identity. Mutually exclusive with WithServerURL.
func WithToken(token string) Option {
	return func(o *clientOptions) {
		o.token = token
	}
}

// WithLoggedInUser controls whether the spawned server uses the already
// logged-in identity. Defaults to true, or false when a token is supplied.
// Mutually exclusive with WithServerURL.
func WithLoggedInUser(use bool) Option {
	return func(o *clientOptions) {
		o.useLoggedInUser = &use
	}
}

// WithDialect fixes the wire dialect for the client's lifetime.
// Default DialectNative.
func WithDialect(d Dialect) Option {
	return func(o *clientOptions) {
		o.dialect = d
	}
}

// WithLogger sets the structured logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithGracePeriod sets how long Stop waits after requesting graceful
// shutdown before killing the process. Values <= 0 are ignored.
func WithGracePeriod(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.gracePeriod = d
		}
	}
}

// WithStartTimeout bounds process start plus the connection handshake.
// Values <= 0 are ignored.
func WithStartTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// WithRequestTimeout sets the default deadline for RPC calls issued without
// a caller deadline. Values <= 0 are ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// resolveOptions applies opts to defaults and validates the result.
func resolveOptions(opts ...Option) (clientOptions, error) {
	o := clientOptions{
		useStdio:       true,
		autoStart:      true,
		autoRestart:    true,
		logLevel:       defaultLogLevel,
		dialect:        DialectNative,
		logger:         slog.Default(),
		gracePeriod:    defaultGracePeriod,
		startTimeout:   defaultStartTimeout,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if !o.dialect.Valid() {
		return o, configErrorf("unknown dialect %q", o.dialect)
	}

	if o.serverURL != "" {
		if o.binarySet || len(o.args) > 0 || o.stdioSet {
			return o, configErrorf("server URL is mutually exclusive with local-spawn options (binary, args, stdio/port)")
		}
		if o.token != "" || o.useLoggedInUser != nil {
			return o, configErrorf("server URL is mutually exclusive with auth options (an external server manages its own auth)")
		}
		host, port, err := parseEndpoint(o.serverURL)
		if err != nil {
			return o, err
		}
		o.host = host
		o.port = port
		o.useStdio = false
	} else {
		o.host = "localhost"
	}

	return o, nil
}

// useLoggedIn resolves the auth default: true unless a token was supplied,
// with an explicit WithLoggedInUser overriding either way.
func (o *clientOptions) useLoggedIn() bool {
	if o.useLoggedInUser != nil {
		return *o.useLoggedInUser
	}
	return o.token == ""
}

// external reports whether the client attaches to an external server.
func (o *clientOptions) external() bool {
	return o.serverURL != ""
}
