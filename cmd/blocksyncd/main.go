// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command blocksyncd is the CLI entrypoint and daemon wiring for the
// convergence loop: it is the external-collaborator boundary spec.md
// leaves unspecified (argument parsing, the management socket server,
// daemon/request routing) built on top of the in-scope components.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/blockforge/blocksync/internal/config"
	"github.com/blockforge/blocksync/internal/copier"
	"github.com/blockforge/blocksync/internal/manage"
	"github.com/blockforge/blocksync/internal/runtimeenv"
	"github.com/blockforge/blocksync/internal/state"
	"github.com/blockforge/blocksync/internal/taskrunner"
	"github.com/blockforge/blocksync/internal/telemetry"
	"github.com/blockforge/blocksync/pkg/log"
)

// copyFlag collects repeated -f occurrences into source/destination job
// pairs. Each -f takes a single "source=dest" argument, since
// flag.Value only ever sees one string per occurrence.
type copyFlag struct {
	sources      []string
	destinations []string
}

func (c *copyFlag) String() string {
	if c == nil {
		return ""
	}
	parts := make([]string, len(c.sources))
	for i := range c.sources {
		parts[i] = c.sources[i] + "=" + c.destinations[i]
	}
	return strings.Join(parts, ",")
}

func (c *copyFlag) Set(v string) error {
	src, dst, ok := strings.Cut(v, "=")
	if !ok || src == "" || dst == "" {
		return fmt.Errorf("expected SOURCE=DESTINATION, got %q", v)
	}
	c.sources = append(c.sources, src)
	c.destinations = append(c.destinations, dst)
	return nil
}

func main() {
	var (
		flagTracingPath  string
		flagSysPath      string
		flagTraceBuf     int
		flagProgressSecs int
		flagMaxDiagram   int
		flagExclusive    bool
		flagColor        bool
		flagChunkSize    int
		flagReuse        bool
		flagMgmtSocket   string
		flagDaemon       bool
		flagConfig       string
		flagManifest     string
		flagGops         bool
		flagMetricsAddr  string
		copies           copyFlag
	)

	flag.StringVar(&flagTracingPath, "t", "/sys/kernel/debug/tracing", "Path to kernel tracing directory within a debugfs")
	flag.StringVar(&flagSysPath, "s", "/sys", "Path to sysfs")
	flag.IntVar(&flagTraceBuf, "b", 8192, "Per-CPU size of kernel tracing buffer in KB")
	flag.IntVar(&flagProgressSecs, "p", 0, "Seconds between progress updates (0 keeps the config/default value)")
	flag.IntVar(&flagMaxDiagram, "d", 0, "Maximum number of characters to use for progress diagrams (0 keeps the config/default value)")
	flag.BoolVar(&flagExclusive, "x", false, "Clear screen before each progress update")
	flag.BoolVar(&flagColor, "C", false, "Display diagrams in color")
	flag.Var(&copies, "f", "SOURCE=DESTINATION pair to copy; may be repeated")
	flag.IntVar(&flagChunkSize, "c", 0, "Granularity of modification tracking, in bytes (multiple of 512)")
	flag.BoolVar(&flagReuse, "r", false, "Write over an existing output file/device instead of recreating it")
	flag.StringVar(&flagMgmtSocket, "m", "", "Unix socket path to use for management")
	flag.BoolVar(&flagDaemon, "D", false, "Start a backup daemon (requires -m)")
	flag.StringVar(&flagConfig, "config", "", "Path to a JSON config file overriding the ambient Config defaults")
	flag.StringVar(&flagManifest, "manifest", "", "Path to a JSON manifest file describing the jobs to run")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagMetricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics at http://ADDR/metrics")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err)
		}
	}

	if flagDaemon && flagMgmtSocket == "" {
		log.Fatal("-D/--daemon requires -m/--management-socket")
	}
	if len(copies.sources) > 0 && flagManifest != "" {
		log.Fatal("-f and --manifest are mutually exclusive")
	}

	if err := runtimeenv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' failed: %s", err)
	}

	if err := config.Init(flagConfig); err != nil {
		log.Fatalf("loading config: %s", err)
	}
	applyConfigOverrides(&config.Keys, flagTracingPath, flagSysPath, flagTraceBuf, flagProgressSecs, flagMaxDiagram, flagExclusive, flagColor)

	manifest, err := buildManifest(flagManifest, copies, flagChunkSize, flagReuse)
	if err != nil {
		log.Fatalf("building manifest: %s", err)
	}
	if manifest == nil && !flagDaemon {
		log.Fatal("no jobs specified: pass -f (repeatable), --manifest, or -D for daemon mode")
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Warnf("mlockall failed, pages may be paged out during live tracing: %s", err)
	}

	if err := copier.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warnf("registering copier metrics: %s", err)
	}
	if flagMetricsAddr != "" {
		go serveMetrics(flagMetricsAddr)
	}

	tel := telemetry.Connect(config.Keys.Telemetry)
	defer func() {
		if tel != nil {
			tel.Close()
		}
	}()

	if flagDaemon {
		runDaemon(flagMgmtSocket, manifest, tel)
		return
	}

	log.Info("starting backup")
	_, err = copier.Run(context.Background(), &config.Keys, manifest, nil, tel)
	if err != nil {
		log.Errorf("backup failed: %s", err)
		os.Exit(1)
	}
}

func applyConfigOverrides(cfg *config.Config, tracingPath, sysPath string, traceBufKB, progressSecs, maxDiagram int, exclusive, color bool) {
	if tracingPath != "" {
		cfg.TracingPath = tracingPath
	}
	if sysPath != "" {
		cfg.SysPath = sysPath
	}
	if traceBufKB > 0 {
		cfg.TraceBufferSizeKB = traceBufKB
	}
	if progressSecs > 0 {
		cfg.ProgressUpdatePeriod = time.Duration(progressSecs) * time.Second
	}
	if maxDiagram > 0 {
		cfg.MaxDiagramSize = maxDiagram
	}
	if exclusive {
		cfg.ExclusiveProgressUpdates = true
	}
	if color {
		cfg.DiagramCells = config.ColorDiagramCells
		cfg.DiagramCellsReset = "\x1b[0m"
	}
}

// buildManifest loads a Manifest from manifestPath if given, otherwise
// assembles one from a set of -f SOURCE=DESTINATION pairs sharing a
// single chunk size and reuse flag. Returns (nil, nil) when neither was
// provided, so daemon mode can start with no initial job.
func buildManifest(manifestPath string, copies copyFlag, chunkSize int, reuse bool) (*manage.Manifest, error) {
	if manifestPath != "" {
		return config.LoadManifest(manifestPath)
	}
	if len(copies.sources) == 0 {
		return nil, nil
	}
	if chunkSize <= 0 || chunkSize%512 != 0 {
		return nil, fmt.Errorf("-c chunk size must be a positive multiple of 512, got %d", chunkSize)
	}

	jobs := make([]state.Job, len(copies.sources))
	for i, src := range copies.sources {
		jobs[i] = state.Job{
			Source:      src,
			ChunkSize:   chunkSize,
			ReuseOutput: reuse,
			Storage: state.StorageConfig{
				Format:        "raw",
				Destination:   copies.destinations[i],
				StoragePolicy: state.Full,
			},
		}
	}
	return &manage.Manifest{Jobs: jobs, DoSync: true}, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics listener on %s exited: %s", addr, err)
	}
}

// runDaemon owns the management socket accept loop and the single
// request/response loop that, between runs, blocks on the ticket queue
// and, while a run is active, lets the copier itself drain tickets via
// the same manage.Interface.
func runDaemon(socketPath string, initial *manage.Manifest, tel *telemetry.Publisher) {
	mi := manage.NewInterface(0)

	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		log.Fatalf("removing stale management socket %s: %s", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		log.Fatalf("listening on management socket %s: %s", socketPath, err)
	}
	log.Infof("management server listening on socket: %s", socketPath)

	var running sync.Mutex
	runningNow := false
	isRunning := func() bool {
		running.Lock()
		defer running.Unlock()
		return runningNow
	}

	rt, err := taskrunner.Start(taskrunner.Frequency{}, isRunning)
	if err != nil {
		log.Fatalf("starting ambient task runner: %s", err)
	}
	defer func() {
		if err := rt.Shutdown(); err != nil {
			log.Warnf("shutting down task runner: %s", err)
		}
	}()

	go acceptLoop(listener, mi)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		runtimeenv.SystemdNotify(false, "shutting down")
		listener.Close()
		os.Exit(0)
	}()

	var lastResult *manage.LastResult
	run := func(m *manage.Manifest) {
		running.Lock()
		runningNow = true
		running.Unlock()
		defer func() {
			running.Lock()
			runningNow = false
			running.Unlock()
		}()

		log.Info("starting backup")
		st, err := copier.Run(context.Background(), &config.Keys, m, mi, tel)
		success := err == nil
		if err != nil {
			log.Errorf("backup failed: %s", err)
		} else if st != nil {
			log.Infof("backup finished with health %s", st.Health)
		}
		lastResult = &manage.LastResult{Manifest: *m, Time: time.Now(), Success: success}
	}

	if initial != nil {
		run(initial)
	}

	runtimeenv.SystemdNotify(true, "running")
	for {
		t := mi.GetTicketBlocking()
		switch t.Request.Kind {
		case manage.ReqStart:
			if t.Request.StartManifest == nil {
				t.Respond(manage.Response{Kind: manage.ReqStart, Error: "start request carried no manifest"})
				continue
			}
			t.Respond(manage.Response{Kind: manage.ReqStart})
			run(t.Request.StartManifest)
		case manage.ReqCancel:
			t.Respond(manage.Response{Kind: manage.ReqCancel, Error: "there is currently no running backup to cancel"})
		case manage.ReqPause:
			t.Respond(manage.Response{Kind: manage.ReqPause, Error: "there is currently no running backup to pause"})
		case manage.ReqResume:
			t.Respond(manage.Response{Kind: manage.ReqResume, Error: "there is currently no running backup to resume"})
		case manage.ReqQuery:
			status := manage.Status{Kind: manage.StatusWaiting}
			if lastResult != nil {
				status = manage.Status{Kind: manage.StatusEnded, Ended: lastResult}
			}
			t.Respond(manage.Response{Kind: manage.ReqQuery, Query: &status})
		default:
			t.Respond(manage.Response{Kind: t.Request.Kind, Error: "unknown request kind"})
		}
	}
}

// acceptLoop accepts connections on listener forever, handing each to its
// own goroutine. A listener.Close() (on shutdown) ends Accept with an
// error, which is the signal to stop accepting rather than a fault.
func acceptLoop(listener net.Listener, mi *manage.Interface) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Infof("management socket accept loop stopped: %s", err)
			return
		}
		go handleConn(conn, mi)
	}
}

// handleConn speaks newline-delimited JSON Request/Response over conn:
// one Request decoded, wrapped as a Ticket and submitted to mi, its
// Response re-encoded and written back. EOF on the client ends the
// session cleanly.
func handleConn(conn net.Conn, mi *manage.Interface) {
	defer conn.Close()

	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for {
		var req manage.Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warnf("management socket: decode error from %s: %s", conn.RemoteAddr(), err)
			}
			return
		}

		t := manage.NewTicket(req)
		log.Debugf("management socket: ticket %s from %s", t.ID, conn.RemoteAddr())
		mi.Submit(t)
		resp := t.Wait()

		if err := enc.Encode(resp); err != nil {
			log.Warnf("management socket: encode error to %s: %s", conn.RemoteAddr(), err)
			return
		}
	}
}
