// Command meshrtrd runs one mesh router node: it brings up the serial
// radio link, the companion-app bridge, the optional Internet uplink, and
// the router task that ties them together, then serves Prometheus metrics
// until told to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/meshrtr/meshrtr/db/auditdb"
	"github.com/meshrtr/meshrtr/internal/bridge"
	"github.com/meshrtr/meshrtr/internal/logging"
	"github.com/meshrtr/meshrtr/internal/serial"
	"github.com/meshrtr/meshrtr/pkg/aead"
	"github.com/meshrtr/meshrtr/pkg/meshconfig"
	"github.com/meshrtr/meshrtr/pkg/meshmetrics"
	"github.com/meshrtr/meshrtr/pkg/ports"
	"github.com/meshrtr/meshrtr/pkg/router"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	dbg := http.NewServeMux()
	if dbgAddr, ok := getEnvList("MESHRTR_INSECURE_DEBUG_SERVER_ADDR", e); ok && dbgAddr != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "warning: running insecure debug server on %q\n", dbgAddr)
			if err := http.ListenAndServe(dbgAddr, dbg); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to start debug server: %v\n", err)
			}
		}()
	}
	dbg.HandleFunc("/debug/pprof/", pprof.Index)
	dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
	dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)

	var c meshconfig.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log, reopenLog, err := logging.Configure(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: configure logging: %v\n", err)
		os.Exit(1)
	}

	nodeID, err := c.Node()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid node id")
	}
	key, err := c.Key()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid network key")
	}
	env, err := aead.New(key)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize AEAD envelope")
	}

	backoff, err := radioBackoff(c.RadioBackoff)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid radio backoff policy")
	}
	radio, err := serial.Open(c.RadioDevice, uint32(c.RadioBaud), backoff)
	if err != nil {
		log.Fatal().Err(err).Msg("open radio device")
	}

	bridgeLn, err := net.Listen("tcp", c.BridgeAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("listen on bridge address")
	}
	br := bridge.New(bridgeLn, c.OfflineInboxCap)

	var uplink ports.UplinkPort
	if c.UplinkURL != "" {
		uplink = ports.NewHTTPUplink(c.UplinkURL, c.UplinkToken)
	}

	r := router.New(nodeID, env, radio, br, uplink, c.Tunables(), log)

	m := meshmetrics.New()
	r.SetMetrics(m)

	var auditDB *auditdb.DB
	if c.AuditDBPath != "" {
		auditDB, err = auditdb.Open(c.AuditDBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open audit database")
		}
		defer auditDB.Close()
		cur, tgt, err := auditDB.Version()
		if err != nil {
			log.Fatal().Err(err).Msg("read audit database version")
		}
		if cur != tgt {
			if err := auditDB.MigrateUp(context.Background(), tgt); err != nil {
				log.Fatal().Err(err).Msg("migrate audit database")
			}
		}
		r.SetAuditDB(auditDB)
	}

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
			m.WritePrometheus(w)
		})
		metricsSrv := &http.Server{Addr: c.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Err(err).Msg("metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			log.Info().Msg("got SIGHUP, reopening log file")
			if reopenLog != nil {
				reopenLog()
			}
		}
	}()

	go func() {
		if err := br.Serve(ctx); err != nil {
			log.Err(err).Msg("bridge server stopped")
		}
	}()

	log.Info().Uint32("node_id", uint32(nodeID)).Str("radio_device", c.RadioDevice).Str("bridge_addr", c.BridgeAddr).Msg("starting meshrtrd")
	r.Run(ctx)
	r.Close()
}

func radioBackoff(name string) (serial.BackoffPolicy, error) {
	switch name {
	case "", "uniform":
		return serial.NewUniformBackoff(), nil
	case "binary-exponential":
		return serial.NewBinaryExponentialBackoff(), nil
	case "bebackoff":
		return serial.NewBEBackoff(), nil
	case "ppersistent":
		return serial.NewPPersistentBackoff(), nil
	default:
		return nil, fmt.Errorf("unknown backoff policy %q", name)
	}
}

func getEnvList(k string, e []string) (string, bool) {
	for _, x := range e {
		if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
			return xv, true
		}
	}
	return "", false
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
