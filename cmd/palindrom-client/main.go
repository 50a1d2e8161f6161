// Palindrom Client is a terminal client for a Palindrom server built with the
// go-palindrom library.
//
// It prints the initial state and every patch the server pushes, and sends
// each line read from stdin as a JSON Patch array.
//
// Configuration via flags, environment variables or a .env file:
//
//	PALINDROM_REMOTE_URL    HTTP(S) URL of the session
//	PALINDROM_WEBSOCKET     upgrade to a WebSocket after the handshake
//	PALINDROM_PING_INTERVAL heartbeat interval in seconds
//	PALINDROM_RECONNECT     re-dial the socket after it drops
//	PALINDROM_METRICS_ADDR  serve Prometheus metrics on this address
//
// Usage:
//
//	echo '[{"op":"replace","path":"/firstName","value":"Omar"}]' | \
//	  go run ./cmd/palindrom-client --remote-url http://localhost:5000/app --websocket
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	palindrom "github.com/layr8/go-palindrom"
)

var (
	stateColor = color.New(color.FgGreen)
	patchColor = color.New(color.FgCyan)
	errorColor = color.New(color.FgRed, color.Bold)
	infoColor  = color.New(color.Faint)
)

var rootCmd = &cobra.Command{
	Use:   "palindrom-client",
	Short: "Sync a JSON document with a Palindrom server",
	Long: `palindrom-client fetches the initial state of a Palindrom session over
HTTP, optionally upgrades to a WebSocket, prints every patch the server
pushes and sends each stdin line as a JSON Patch array.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("remote-url", "", "HTTP(S) URL of the Palindrom session")
	flags.Bool("websocket", false, "upgrade to a WebSocket after the handshake")
	flags.Float64("ping-interval", 0, "heartbeat interval in seconds (0 = library default, <0 disables)")
	flags.Bool("reconnect", false, "re-dial the socket after it drops")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	_ = viper.BindPFlags(flags)
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("palindrom")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []palindrom.Option{palindrom.WithLogger(logger)}
	if viper.GetBool("reconnect") {
		opts = append(opts, palindrom.WithReconnect(time.Second, 30*time.Second))
	}

	client, err := palindrom.NewClient(palindrom.Config{
		RemoteURL:     viper.GetString("remote-url"),
		UseWebSocket:  viper.GetBool("websocket"),
		PingIntervalS: viper.GetFloat64("ping-interval"),
	}, func(e *palindrom.ConnectionError) {
		errorColor.Fprintf(os.Stderr, "[%s] %s\n", e.Side, e.Message)
	}, opts...)
	if err != nil {
		return fmt.Errorf("NewClient: %w", err)
	}

	client.OnStateReset(func(doc *palindrom.Document) {
		stateColor.Printf("state %s\n", indent(doc.Bytes()))
	})
	client.OnSocketOpened(func() {
		infoColor.Printf("socket open %s\n", client.SocketURL())
	})
	client.OnRemotePatch(func(ops []palindrom.Operation) {
		data, _ := json.Marshal(ops)
		patchColor.Printf("patch %s\n", data)
	})

	if addr := viper.GetString("metrics-addr"); addr != "" {
		go serveMetrics(addr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	defer client.Close()

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			infoColor.Println("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			dec := json.NewDecoder(strings.NewReader(line))
			dec.UseNumber()
			var ops []palindrom.Operation
			if err := dec.Decode(&ops); err != nil {
				errorColor.Fprintf(os.Stderr, "invalid patch: %v\n", err)
				continue
			}
			if err := client.Send(ctx, ops); err != nil {
				logger.Warn("send failed", zap.Error(err))
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out <- line
		}
	}
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		palindrom.WriteMetrics(w)
	})
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var encoder zapcore.Encoder
	if strings.ToLower(format) == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

func indent(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
