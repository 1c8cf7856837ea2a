/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/common/version"
	"github.com/tinode/fanout/server/auth"
	"github.com/tinode/fanout/server/auth/token"
	"github.com/tinode/fanout/server/ingest"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/relay"
	"github.com/tinode/fanout/server/store"
	jcr "github.com/tinode/jsonco"

	// Database backends. The memory adapter is always available,
	// others are enabled with build tags.
	_ "github.com/tinode/fanout/server/db/memory"

	// Relay backends
	_ "github.com/tinode/fanout/server/relay/amqp"
	_ "github.com/tinode/fanout/server/relay/cluster"
	_ "github.com/tinode/fanout/server/relay/local"
	_ "github.com/tinode/fanout/server/relay/nats"
)

const (
	// Base URL path for serving the API.
	defaultAPIPath = "/v0/"

	// Default maximum size of a request body or a websocket frame.
	defaultMaxMessageSize = 1 << 16

	// Default time to wait for space in a slow session's send queue before dropping it.
	defaultSendTimeout = 50 * time.Millisecond

	// Default address to listen on.
	defaultListen = ":6060"

	// Number of the node for generating unique IDs when not configured.
	defaultWorkerID = 1
)

// Contents of the configuration file
type configType struct {
	// HTTP(S) address:port to listen on for websocket and HTTP requests.
	Listen string `json:"listen"`
	// Base URL path where API is served. Default is "/v0/".
	APIPath string `json:"api_path"`
	// URL path for exposing Prometheus metrics. Disabled if empty or "-".
	StatsPath string `json:"stats_path"`
	// URL path for exposing runtime profiling data. Disabled if empty or "-".
	PprofPath string `json:"pprof_url"`
	// Maximum message size allowed from the client, a websocket frame or a request body.
	MaxMessageSize int `json:"max_message_size"`
	// Maximum content length of a message in grapheme clusters.
	MaxContentLength int `json:"max_content_length"`
	// Default page size of the history API.
	PageLimit int `json:"page_limit"`
	// Milliseconds to wait for space in a session's send queue before dropping the session.
	SendTimeout int `json:"send_timeout"`
	// Seconds a session may stay silent before it's terminated.
	IdleTimeout int `json:"idle_timeout"`
	// Number of topic index shards and emitter workers of the hub.
	HubShards  int `json:"hub_shards"`
	HubWorkers int `json:"hub_workers"`
	// Take IP address of the client from HTTP header 'X-Forwarded-For'.
	// Useful when the server is behind a reverse proxy.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Origins allowed by CORS. CORS is disabled if empty.
	CorsOrigins []string `json:"cors_origins"`
	// Name of this instance. Must be unique among instances sharing a relay.
	NodeName string `json:"node_name"`
	// Snowflake worker ID, 0..1023, unique among instances sharing a database.
	WorkerID *int `json:"worker_id"`

	// Configs for subsystems
	StoreConfig json.RawMessage `json:"store_config"`
	RelayConfig json.RawMessage `json:"relay_config"`
	AuthConfig  json.RawMessage `json:"auth_config"`
	TLS         json.RawMessage `json:"tls"`
}

type relayConfigType struct {
	// Name of the relay to use. Local delivery only if empty or "none".
	UseRelay string `json:"use_relay"`
	// Configurations of individual relays.
	Relays map[string]json.RawMessage `json:"relays"`
}

var globals struct {
	hub          *Hub
	sessionStore *SessionStore
	relay        relay.Relay
	ingest       *ingest.Pipeline
	auth         auth.Resolver

	apiPath        string
	maxMessageSize int64
	pageLimit      int

	useXForwardedFor bool
	tlsStrictMaxAge  string
}

func parseConfig(path string) (*configType, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config configType
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, errors.New("unmarshal error in config file in " + jerr.Field + " at " +
				itoa(lnum) + ":" + itoa(cnum) + ": " + jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, errors.New("syntax error in config file at " + itoa(lnum) + ":" + itoa(cnum) +
				": " + jerr.Error())
		default:
			return nil, err
		}
	}
	return &config, nil
}

// openRelay creates and opens the configured relay. Events received by the relay are
// passed to the handler. Returns nil if no relay is configured.
func openRelay(self string, jsconfig json.RawMessage, handler relay.Handler) (relay.Relay, error) {
	var config relayConfigType
	if len(jsconfig) > 0 {
		if err := json.Unmarshal(jsconfig, &config); err != nil {
			return nil, errors.New("relay: failed to parse config: " + err.Error())
		}
	}

	if config.UseRelay == "" || config.UseRelay == "none" {
		return nil, nil
	}

	r := relay.Get(config.UseRelay)
	if r == nil {
		return nil, errors.New("relay: '" + config.UseRelay + "' is not available in this binary, available: " +
			strings.Join(relay.Names(), ", "))
	}

	// Subscribe before opening so no event is missed.
	r.Subscribe(handler)
	if err := r.Open(self, config.Relays[config.UseRelay]); err != nil {
		return nil, err
	}
	return r, nil
}

// newServeMux creates the HTTP request router.
func newServeMux(apiPath string) *http.ServeMux {
	mux := http.NewServeMux()

	// Realtime channel
	mux.HandleFunc(apiPath+"channels", serveWebSocket)
	// Message API
	mux.HandleFunc(apiPath+"messages", serveMessages)
	mux.HandleFunc(apiPath+"messages/", serveMessage)
	mux.HandleFunc("/healthz", serveHealth)
	// Everything else is 404.
	mux.HandleFunc("/", serve404)

	return mux
}

func main() {
	executable, _ := os.Executable()

	logFlags := flag.String("log_flags", "stdFlags",
		"Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix)")
	configfile := flag.String("config", "fanout.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	nodeName := flag.String("node", "", "Override name of the current node.")
	tlsEnabled := flag.Bool("tls_enabled", false, "Override config value for enabling TLS.")
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)

	logs.Info.Printf("Server v%s pid=%d started with processes: %d", version.Info(), os.Getpid(),
		runtime.GOMAXPROCS(runtime.NumCPU()))

	curwd, _ := os.Getwd()
	*configfile = toAbsolutePath(curwd, *configfile)
	logs.Info.Printf("Using config from '%s'", *configfile)

	config, err := parseConfig(*configfile)
	if err != nil {
		logs.Err.Fatal(err)
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Listen == "" {
		config.Listen = defaultListen
	}
	if *nodeName != "" {
		config.NodeName = *nodeName
	}
	if config.NodeName == "" {
		config.NodeName, _ = os.Hostname()
	}

	workerID := defaultWorkerID
	if config.WorkerID != nil {
		workerID = *config.WorkerID
	}

	if err = store.Store.Open(workerID, config.StoreConfig); err != nil {
		logs.Err.Fatal("Failed to open DB: ", err)
	}
	logs.Info.Printf("DB adapter '%s' v%d", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())
	defer func() {
		store.Store.Close()
		logs.Info.Println("Closed database connection(s)")
	}()

	authn, err := token.New(config.AuthConfig)
	if err != nil {
		logs.Err.Fatal("Failed to init auth: ", err)
	}
	globals.auth = authn

	globals.apiPath = config.APIPath
	if globals.apiPath == "" {
		globals.apiPath = defaultAPIPath
	}
	if !strings.HasSuffix(globals.apiPath, "/") {
		globals.apiPath += "/"
	}
	globals.maxMessageSize = int64(config.MaxMessageSize)
	if globals.maxMessageSize <= 0 {
		globals.maxMessageSize = defaultMaxMessageSize
	}
	globals.pageLimit = config.PageLimit
	if globals.pageLimit <= 0 {
		globals.pageLimit = store.DefaultPageSize
	}
	globals.useXForwardedFor = config.UseXForwardedFor

	sendTimeout := defaultSendTimeout
	if config.SendTimeout > 0 {
		sendTimeout = time.Duration(config.SendTimeout) * time.Millisecond
	}
	globals.hub = newHub(hubConfig{
		Shards:      config.HubShards,
		Workers:     config.HubWorkers,
		SendTimeout: sendTimeout,
	})
	globals.sessionStore = NewSessionStore(time.Duration(config.IdleTimeout) * time.Second)

	globals.relay, err = openRelay(config.NodeName, config.RelayConfig, globals.hub.Route)
	if err != nil {
		logs.Err.Fatal("Failed to open relay: ", err)
	}
	if globals.relay != nil {
		logs.Info.Printf("Relay '%s' opened as node '%s'", globals.relay.GetName(), config.NodeName)
	} else {
		logs.Info.Println("No relay configured, delivering to local sessions only")
	}

	globals.ingest = ingest.New(store.Messages, store.Members, globals.relay, globals.hub)
	if config.MaxContentLength > 0 {
		globals.ingest.MaxContentLength = config.MaxContentLength
	}

	mux := newServeMux(globals.apiPath)
	statsInit(mux, config.StatsPath)
	servePprof(mux, config.PprofPath)

	logs.Info.Printf("API served from '%s'", globals.apiPath)
	if err = listenAndServe(config.Listen, wrapHandler(mux, config.CorsOrigins), *tlsEnabled, config.TLS,
		signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}

	logs.Info.Println("All done, good bye", filepath.Base(executable))
}
