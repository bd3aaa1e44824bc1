// ABOUTME: Entry point for the AudSync relay server
// ABOUTME: Parses the [port] positional, runs the REPL, owns shutdown
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/h4r1z1b4mx/AudSync/internal/command"
	"github.com/h4r1z1b4mx/AudSync/internal/config"
	"github.com/h4r1z1b4mx/AudSync/internal/discovery"
	"github.com/h4r1z1b4mx/AudSync/internal/monitor"
	"github.com/h4r1z1b4mx/AudSync/internal/server"
	"github.com/h4r1z1b4mx/AudSync/internal/sessionlog"
	"github.com/h4r1z1b4mx/AudSync/internal/ui"
	"github.com/h4r1z1b4mx/AudSync/internal/version"
	"github.com/sirupsen/logrus"
)

var (
	configPath  = flag.String("config", "", "YAML config file")
	logFile     = flag.String("log-file", "audsync-server.log", "Log file path")
	noTUI       = flag.Bool("no-tui", false, "Plain stdin REPL instead of the TUI")
	monitorPort = flag.Int("monitor-port", 0, "WebSocket stats feed port (0 = disabled)")
	enableMDNS  = flag.Bool("mdns", false, "Advertise the server via mDNS")
	queueSize   = flag.Int("queue", server.DefaultQueueSize, "Per-recipient outgoing queue size")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	port := cfg.Port
	if args := flag.Args(); len(args) >= 1 {
		p, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad port %q\n", args[0])
			os.Exit(1)
		}
		port = p
	}
	mport := cfg.MonitorPort
	if *monitorPort > 0 {
		mport = *monitorPort
	}

	setupLogging(!*noTUI)
	logrus.Infof("%s server %s", version.Product, version.Version)

	srv := server.New(server.Config{Port: port, QueueSize: *queueSize})
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("AudSync Server listening on port %d\n", port)

	var mon *monitor.Monitor
	if mport > 0 {
		mon = monitor.New(mport, func() interface{} { return srv.Stats() })
		if err := mon.Start(); err != nil {
			logrus.Warnf("monitor disabled: %v", err)
			mon = nil
		}
	}

	var disc *discovery.Manager
	if *enableMDNS {
		disc = discovery.NewManager(discovery.Config{ServiceName: "audsync-server", Port: port})
		if err := disc.Advertise(); err != nil {
			logrus.Warnf("mdns disabled: %v", err)
			disc = nil
		}
	}

	exec := commandExec(srv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *noTUI {
		runPlainREPL(exec, sigChan)
	} else {
		prog := ui.Run(fmt.Sprintf("AudSync Server - port %d", port), exec)
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for range ticker.C {
				st := srv.Stats()
				prog.Send(ui.StatusMsg{Text: fmt.Sprintf(
					"clients=%d forwarded=%d dropped=%d relaying=%v",
					len(st.Clients), st.Forwarded, st.Dropped, st.Relaying)})
			}
		}()
		go func() {
			<-sigChan
			prog.Quit()
		}()
		if _, err := prog.Run(); err != nil {
			logrus.Errorf("tui: %v", err)
		}
	}

	if disc != nil {
		disc.Stop()
	}
	if mon != nil {
		mon.Stop()
	}
	srv.Stop()
	fmt.Println("Server shutting down...")
}

func setupLogging(tui bool) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		logrus.Warnf("cannot open log file %s: %v", *logFile, err)
		return
	}
	if tui {
		logrus.SetOutput(f)
	} else {
		logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	}
}

// commandExec wires the REPL vocabulary to the relay.
func commandExec(srv *server.Server) ui.Exec {
	return func(line string) []string {
		cmd, word := command.Parse(line)
		switch cmd {
		case command.Start:
			srv.SetRelaying(true)
			return []string{"relaying enabled"}

		case command.Stop:
			srv.SetRelaying(false)
			return []string{"relaying paused (clients stay connected)"}

		case command.LogOn:
			path := sessionlog.DefaultPath("server", "session", time.Now())
			if err := srv.SessionLog().Start(path); err != nil {
				return []string{fmt.Sprintf("logon failed: %v", err)}
			}
			return []string{"session logging to " + path}

		case command.LogOff:
			srv.SessionLog().Stop()
			return []string{"session logging stopped"}

		case command.RecStart, command.RecStop:
			return []string{"recording is a client-side command"}

		case command.Status:
			return statusLines(srv)

		case command.Quit:
			return []string{"bye"}

		case command.Help:
			return []string{command.HelpText()}

		default:
			if word == "" {
				return nil
			}
			return []string{fmt.Sprintf("unknown command %q (%s)", word, command.HelpText())}
		}
	}
}

func statusLines(srv *server.Server) []string {
	st := srv.Stats()
	lines := []string{
		fmt.Sprintf("relaying:  %v", st.Relaying),
		fmt.Sprintf("forwarded: %d packets (%d dropped)", st.Forwarded, st.Dropped),
		fmt.Sprintf("clients:   %d", len(st.Clients)),
	}
	for _, c := range st.Clients {
		lines = append(lines, fmt.Sprintf("  %s %s ready=%v %dHz/%dch recv=%d drop=%d",
			c.ID, c.Remote, c.Ready, c.Config.SampleRate, c.Config.Channels, c.Received, c.Dropped))
	}
	return lines
}

// runPlainREPL reads commands from stdin until quit or a signal.
func runPlainREPL(exec ui.Exec, sigChan chan os.Signal) {
	fmt.Println("  " + command.HelpText())

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-sigChan:
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			for _, out := range exec(line) {
				fmt.Println(out)
			}
			if cmd, _ := command.Parse(line); cmd == command.Quit {
				return
			}
		}
	}
}
