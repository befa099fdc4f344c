package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"debugproxy/admin"
	"debugproxy/config"
	"debugproxy/metrics"
	"debugproxy/proxy"
	"debugproxy/supervisor"
	"debugproxy/transaction"
)

// CLI describes debugproxy's command-line surface.
type CLI struct {
	Upstream string `arg:"" help:"Upstream target as host:port."`

	Host            string `default:"0.0.0.0" help:"Address to bind the proxy listener to."`
	Port            int    `short:"p" default:"8080" help:"Port to bind the proxy listener to."`
	ClientTimeout   int64  `short:"c" default:"30000" name:"client-timeout" help:"Total client-facing timeout, in milliseconds."`
	UpstreamTimeout int64  `short:"u" default:"500" name:"upstream-timeout" help:"Upstream response-header timeout, in milliseconds."`
	MaxHistory      int    `short:"m" default:"100" name:"max-history" help:"Number of transactions retained in history."`
	TruncateBody    int64  `default:"1024" name:"truncate-body" help:"Bytes of each body retained for preview."`
	MaxBodySize     int64  `default:"1048576" name:"max-body-size" help:"Hard cap on bytes forwarded per body."`
	PoolSize        int    `default:"32" name:"pool-size" help:"Maximum concurrent upstream connections."`
	ProxyProtocol   bool   `name:"proxy-protocol" help:"Accept PROXY protocol headers on the client listener."`
	LogFormat       string `default:"text" enum:"text,json" name:"log-format" help:"Log output format."`
}

func main() {
	args := os.Args[1:]
	var command []string
	for i, a := range args {
		if a == "--" {
			command = args[i+1:]
			args = args[:i]
			break
		}
	}

	var cli CLI
	parser, err := kong.New(&cli, kong.Name("debugproxy"), kong.Description("HTTP/1.1 debugging reverse proxy."))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if _, err := parser.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var logWriter io.Writer = os.Stdout
	if cli.LogFormat == "json" {
		logWriter = &jsonLineWriter{out: os.Stdout}
	}
	logger := log.New(logWriter, "", log.LstdFlags)

	token, err := randomToken()
	if err != nil {
		logger.Printf("debugproxy: could not generate admin token: %s", err)
		os.Exit(1)
	}

	cfgStore := config.NewStore(&config.Config{
		BindHost:         cli.Host,
		ListenPort:       cli.Port,
		UpstreamHostPort: cli.Upstream,
		AdminToken:       token,
		PoolSize:         cli.PoolSize,
		ClientTimeout:    time.Duration(cli.ClientTimeout) * time.Millisecond,
		UpstreamTimeout:  time.Duration(cli.UpstreamTimeout) * time.Millisecond,
		MaxHistorySize:   cli.MaxHistory,
		MaxBodySize:      cli.MaxBodySize,
		TruncateBodyAt:   cli.TruncateBody,
	})
	if err := cfgStore.Load().Validate(); err != nil {
		logger.Printf("debugproxy: %s", err)
		os.Exit(2)
	}

	m := metrics.New()
	store := transaction.NewStore(cli.MaxHistory)
	store.OnChange(func(total, _ int) { m.HistorySize.Set(float64(total)) })

	sup := supervisor.New(command, cli.Upstream, logger, m)
	go sup.Run()

	adminHandler := admin.New(cfgStore, store, logger, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	engine := proxy.NewEngine(cfgStore, store, sup, m, logger, adminHandler)
	engine.Notify = adminHandler.Notify

	addr := net.JoinHostPort(cli.Host, fmt.Sprintf("%d", cli.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Printf("debugproxy: %s", err)
		os.Exit(1)
	}

	if cli.ProxyProtocol {
		listener = proxy.NewProxyProtocolListener(listener)
	}

	server := &http.Server{
		Handler:  engine,
		ErrorLog: logger,
	}

	logger.Printf(
		"debugproxy: listening on %s, admin UI at http://%s/_proxy?token=%s",
		addr, addr, token,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Printf("debugproxy: %s", err)
			sup.Stop()
			os.Exit(1)
		}
	case <-sigCh:
		logger.Printf("debugproxy: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		shutdownErr := server.Shutdown(shutdownCtx)
		sup.Stop()

		if combined := multierr.Combine(shutdownErr, <-drain(serveErr)); combined != nil && combined != http.ErrServerClosed {
			logger.Printf("debugproxy: shutdown error: %s", combined)
		}
	}
}

// drain waits for a value already produced by server.Serve's goroutine, or
// synthesizes a nil error if the server hasn't finished yet by the time
// shutdown completes (it will finish immediately after Shutdown returns).
func drain(ch <-chan error) <-chan error {
	out := make(chan error, 1)
	go func() {
		select {
		case err := <-ch:
			out <- err
		case <-time.After(time.Second):
			out <- nil
		}
	}()
	return out
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// jsonLineWriter re-emits each line log.Logger writes as a JSON object,
// letting --log-format=json feed a log aggregator without threading a
// structured logging library through every component in place of the
// plain *log.Logger the rest of the module is built around.
type jsonLineWriter struct {
	out io.Writer
}

func (w *jsonLineWriter) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	encoded, err := json.Marshal(struct {
		Message string `json:"message"`
	}{string(line)})
	if err != nil {
		return 0, err
	}
	encoded = append(encoded, '\n')
	if _, err := w.out.Write(encoded); err != nil {
		return 0, err
	}
	return len(p), nil
}
