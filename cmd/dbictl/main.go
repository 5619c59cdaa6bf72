package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/lookbusy1344/dbi-engine/api"
	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/assembly/refarch"
	"github.com/lookbusy1344/dbi-engine/builtin"
	"github.com/lookbusy1344/dbi-engine/config"
	"github.com/lookbusy1344/dbi-engine/engine"
	"github.com/lookbusy1344/dbi-engine/event"
	"github.com/lookbusy1344/dbi-engine/inspector"
	"github.com/lookbusy1344/dbi-engine/instrument"
)

// Version information, overridable at build time with:
// go build -ldflags "-X main.Version=v1.2.3"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		showHelp    = flag.Bool("help", false, "Show help information")
		apiServer   = flag.Bool("api-server", false, "Start HTTP API server mode")
		addr        = flag.String("addr", "", "API server listen address (overrides config)")
		configPath  = flag.String("config", "", "Path to a dbictl.toml config file (default: platform config dir)")

		image      = flag.String("image", "", "Path to a raw guest image file to load and run directly")
		imageBase  = flag.Uint64("base", 0x1000, "Guest address the image is loaded at")
		entryPoint = flag.Uint64("entry", 0, "Entry point address (default: image base)")
		stopAt     = flag.Uint64("stop", 0, "PC to stop execution at (required with -image)")

		tuiMode = flag.Bool("tui", false, "Open the inspector TUI after loading -image")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("dbictl %s\n", Version)
		if Commit != "unknown" {
			fmt.Printf("Commit: %s\n", Commit)
		}
		if Date != "unknown" {
			fmt.Printf("Built: %s\n", Date)
		}
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *apiServer || cfg.API.Enabled {
		listenAddr := cfg.API.ListenAddr
		if *addr != "" {
			listenAddr = *addr
		}
		runAPIServer(listenAddr)
		return
	}

	if *image == "" {
		printHelp()
		os.Exit(0)
	}

	runImage(cfg, *image, *imageBase, *entryPoint, *stopAt, *tuiMode)
}

func runAPIServer(addr string) {
	server := api.NewServer(addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var shutdownOnce sync.Once
	performShutdown := func() {
		shutdownOnce.Do(func() {
			fmt.Println("\nShutting down API server...")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("API server stopped")
			os.Exit(0)
		})
	}

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "API server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-sigChan
	performShutdown()
}

func runImage(cfg *config.Config, imagePath string, base, entry, stop uint64, tui bool) {
	data, err := os.ReadFile(imagePath) // #nosec G304 -- operator-provided image path
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading image: %v\n", err)
		os.Exit(1)
	}

	if entry == 0 {
		entry = base
	}
	if stop == 0 {
		fmt.Fprintln(os.Stderr, "Error: -stop is required with -image")
		os.Exit(1)
	}

	mem := assembly.NewFlatMemory(base, data)
	cpu := refarch.New()
	eng := engine.New(cpu, mem)
	eng.AddInstrumentedRange(base, base+uint64(len(data)))

	var tracer *builtin.Tracer
	if cfg.Engine.BuiltinTracer {
		tracer = builtin.NewTracer(os.Stdout)
		if _, err := eng.AddVMEventCB(event.BasicBlockEntry, tracer.Callback(), nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error installing tracer: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.Engine.BuiltinCounter {
		rule := refarch.NewCounterRule(instrument.Range{}, 0, 0)
		if _, err := eng.AddInstrRule(rule); err != nil {
			fmt.Fprintf(os.Stderr, "Error installing counter: %v\n", err)
			os.Exit(1)
		}
	}

	for _, rng := range cfg.Instrumentation.Ranges {
		start, errA := strconv.ParseUint(rng.Start, 0, 64)
		end, errB := strconv.ParseUint(rng.End, 0, 64)
		if errA != nil || errB != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid range %q\n", rng.Name)
			continue
		}
		eng.AddInstrumentedRange(start, end)
	}

	if tui {
		ins := inspector.New(eng, tracer)
		if err := ins.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Inspector error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ran, err := eng.Run(entry, stop)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Runtime error: %v\n", err)
		os.Exit(1)
	}

	gpr := eng.GetGPRState()
	fmt.Printf("ran=%v pc=0x%x\n", ran, gpr.PC)
	for i, v := range gpr.Regs {
		fmt.Printf("r%-2d = 0x%016x\n", i, v)
	}

	blocks, bytes := eng.BlockCacheStats()
	fmt.Printf("cache: %d blocks, %d bytes\n", blocks, bytes)
}

func printHelp() {
	fmt.Printf(`dbictl %s

Usage: dbictl -image FILE -stop ADDR [options]
       dbictl -api-server [-addr HOST:PORT]

Options:
  -help              Show this help message
  -version           Show version information
  -config FILE       Config file to load (default: platform config dir)
  -image FILE        Raw guest image to load and run directly
  -base ADDR         Guest address the image is loaded at (default: 0x1000)
  -entry ADDR        Entry point address (default: image base)
  -stop ADDR         PC to stop execution at (required with -image)
  -tui               Open the inspector TUI instead of running to completion
  -api-server        Start the HTTP API server
  -addr HOST:PORT    API server listen address (overrides config)

Examples:
  dbictl -image prog.bin -base 0x1000 -stop 0x1010
  dbictl -image prog.bin -stop 0x1010 -tui
  dbictl -api-server -addr 127.0.0.1:8787
`, Version)
}
