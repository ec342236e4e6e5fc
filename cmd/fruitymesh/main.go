// Command fruitymesh hosts the mesh core's composition root as a long-
// running process: it loads board configuration, builds the object graph
// via internal/composition.Init, drives its ~100ms TimerEventHandler tick
// off a time.Ticker, and exposes a line-oriented terminal for the
// diagnostic commands spec §6 names ("status", "gettime", "settime") plus
// whatever modules register. Grounded on the teacher's cmd/bitchat/main.go
// shape: flag-parsed config, a signal-driven shutdown, and a stdin input
// loop running alongside the mesh event loop in its own goroutine.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fruitymesh/core/internal/boardconfig"
	"github.com/fruitymesh/core/internal/composition"
	"github.com/fruitymesh/core/internal/meshid"
)

const tickInterval = 100 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to a board-config YAML file (defaults built in if unset)")
	dataDir := flag.String("data", "", "override the board config's data directory")
	nodeId := flag.Uint("node-id", 0, "override the board config's nodeId (0 keeps the config/persisted value)")
	networkId := flag.Uint("network-id", 0, "override the board config's networkId (0 keeps the config/persisted value)")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := boardconfig.Defaults()
	if *configPath != "" {
		loaded, err := boardconfig.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fruitymesh: load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *nodeId != 0 {
		cfg.NodeId = meshid.NodeId(*nodeId)
	}
	if *networkId != 0 {
		cfg.NetworkId = meshid.NetworkId(*networkId)
	}

	app, err := composition.Init(cfg, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fruitymesh: init:", err)
		os.Exit(1)
	}

	fmt.Println("FruityMesh core")
	fmt.Printf("node %d, network %d, data dir %s\n", app.Identity().NodeId, app.Identity().NetworkId, cfg.DataDir)
	fmt.Println("type /help for terminal commands")

	done := make(chan struct{})
	go runTicker(app, done)
	go runTerminal(app)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(done)
	fmt.Println("\nfruitymesh: shutting down")
}

func runTicker(app *composition.App, done <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			app.TimerEventHandler(uint16(tickInterval / (100 * time.Millisecond)))
		case <-done:
			return
		}
	}
}

func runTerminal(app *composition.App) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/help" {
			printHelp()
			continue
		}
		argv := strings.Fields(strings.TrimPrefix(line, "/"))
		result := app.TerminalCommandHandler(argv)
		if result != composition.CommandSuccess {
			fmt.Println(result)
		}
	}
}

func printHelp() {
	fmt.Println("status            - print discovery state, clusterId/clusterSize, hopsToSink")
	fmt.Println("gettime           - print the node's global time estimate")
	fmt.Println("settime <s> [off] - seed this node as a time source")
	fmt.Println("errlog            - dump the in-memory error log")
}
