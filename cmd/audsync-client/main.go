// ABOUTME: Entry point for the AudSync streaming client
// ABOUTME: Parses [host] [port] positionals, runs the REPL, owns shutdown
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/h4r1z1b4mx/AudSync/internal/client"
	"github.com/h4r1z1b4mx/AudSync/internal/command"
	"github.com/h4r1z1b4mx/AudSync/internal/config"
	"github.com/h4r1z1b4mx/AudSync/internal/device"
	"github.com/h4r1z1b4mx/AudSync/internal/discovery"
	"github.com/h4r1z1b4mx/AudSync/internal/jitter"
	"github.com/h4r1z1b4mx/AudSync/internal/recorder"
	"github.com/h4r1z1b4mx/AudSync/internal/sessionlog"
	"github.com/h4r1z1b4mx/AudSync/internal/ui"
	"github.com/h4r1z1b4mx/AudSync/internal/version"
	"github.com/h4r1z1b4mx/AudSync/pkg/audio"
	"github.com/sirupsen/logrus"
)

var (
	configPath  = flag.String("config", "", "YAML config file")
	logFile     = flag.String("log-file", "audsync-client.log", "Log file path")
	noTUI       = flag.Bool("no-tui", false, "Plain stdin REPL instead of the TUI")
	sampleRate  = flag.Int("sample-rate", 0, "Sample rate override")
	channels    = flag.Int("channels", 0, "Channel count override")
	frames      = flag.Int("frames", 0, "Frames per buffer override")
	inputDev    = flag.Int("input", device.UseDefault, "Input device id")
	outputDev   = flag.Int("output", device.UseDefault, "Output device id")
	dspEnabled  = flag.Bool("dsp", false, "Enable the voice DSP chain")
	interactive = flag.Bool("select-devices", false, "Prompt for devices and format at startup")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *sampleRate > 0 {
		cfg.SampleRate = int32(*sampleRate)
	}
	if *channels > 0 {
		cfg.Channels = int32(*channels)
	}
	if *frames > 0 {
		cfg.FramesPerBuffer = int32(*frames)
	}
	if *inputDev != device.UseDefault {
		cfg.InputDevice = *inputDev
	}
	if *outputDev != device.UseDefault {
		cfg.OutputDevice = *outputDev
	}
	if *dspEnabled {
		cfg.DSPEnabled = true
	}

	host, port := cfg.Host, cfg.Port
	args := flag.Args()
	explicitHost := false
	if len(args) >= 1 {
		host = args[0]
		explicitHost = true
	}
	if len(args) >= 2 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad port %q\n", args[1])
			os.Exit(1)
		}
		port = p
	}

	setupLogging(!*noTUI)

	logrus.Infof("%s client %s", version.Product, version.Version)

	adapter := device.NewMalgoAdapter()

	if *noTUI && *interactive {
		selectDevices(adapter, &cfg)
	}

	// No host given anywhere: try mDNS before falling back to localhost.
	if !explicitHost && *configPath == "" {
		if found := discoverServer(); found != nil {
			host, port = found.Host, found.Port
		}
	}

	jcfg := jitter.DefaultConfig(audio.PacketIntervalMs(cfg.Audio()), cfg.FramesPerBuffer)
	jcfg.MinMs, jcfg.TargetMs, jcfg.MaxMs = cfg.Jitter.MinMs, cfg.Jitter.TargetMs, cfg.Jitter.MaxMs

	sup, err := client.New(client.Options{
		Audio:        cfg.Audio(),
		InputDevice:  cfg.InputDevice,
		OutputDevice: cfg.OutputDevice,
		DSPEnabled:   cfg.DSPEnabled,
		Jitter:       jcfg,
		Adapter:      adapter,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid audio config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("AudSync Client - Real-time Audio Streaming\n")
	fmt.Printf("Connecting to server %s:%d\n", host, port)

	if err := sup.Connect(host, port); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}

	exec := commandExec(sup)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *noTUI {
		runPlainREPL(exec, sigChan)
	} else {
		prog := ui.Run(fmt.Sprintf("AudSync Client - %s:%d", host, port), exec)
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for range ticker.C {
				st := sup.Stats()
				prog.Send(ui.StatusMsg{Text: fmt.Sprintf(
					"state=%s sent=%d recv_depth=%d lost=%d concealed=%d target=%.0fms jitter=%.1fms",
					st.State, st.PacketsSent, st.Jitter.Depth, st.Jitter.Lost,
					st.Jitter.SilenceInserted, st.Jitter.TargetMs, st.Jitter.AvgJitterMs)})
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

	sup.Disconnect()
	fmt.Println("Client shutting down...")
}

// setupLogging routes logrus to the log file, mirroring to stderr in plain
// mode where the terminal is not owned by the TUI.
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

// discoverServer browses mDNS briefly for a relay server.
func discoverServer() *discovery.ServerInfo {
	mgr := discovery.NewManager(discovery.Config{ServiceName: "audsync-client"})
	defer mgr.Stop()
	if err := mgr.Browse(); err != nil {
		return nil
	}
	select {
	case s := <-mgr.Servers():
		logrus.Infof("discovered server %s at %s:%d", s.Name, s.Host, s.Port)
		return s
	case <-time.After(4 * time.Second):
		return nil
	}
}

// selectDevices runs the interactive startup menu from the original client.
func selectDevices(adapter device.Adapter, cfg *config.Config) {
	reader := bufio.NewReader(os.Stdin)

	printDevices := func(kind string, infos []device.Info) {
		fmt.Printf("Available %s Devices:\n", kind)
		for _, d := range infos {
			def := ""
			if d.IsDefault {
				def = " (default)"
			}
			fmt.Printf("  [%d] %s - %d ch, %.0f Hz%s\n", d.ID, d.Name, d.MaxChannels, d.DefaultSampleRate, def)
		}
	}

	askInt := func(prompt string, current int) int {
		fmt.Printf("%s [%d]: ", prompt, current)
		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			return current
		}
		v, err := strconv.Atoi(line)
		if err != nil {
			fmt.Println("keeping", current)
			return current
		}
		return v
	}

	if infos, err := adapter.InputDevices(); err == nil {
		printDevices("Input", infos)
		cfg.InputDevice = askInt("Select input device ID", cfg.InputDevice)
	}
	if infos, err := adapter.OutputDevices(); err == nil {
		printDevices("Output", infos)
		cfg.OutputDevice = askInt("Select output device ID", cfg.OutputDevice)
	}
	cfg.SampleRate = int32(askInt("Sample rate", int(cfg.SampleRate)))
	cfg.Channels = int32(askInt("Channels", int(cfg.Channels)))
	cfg.FramesPerBuffer = int32(askInt("Frames per buffer", int(cfg.FramesPerBuffer)))
}

// commandExec wires the REPL vocabulary to the supervisor.
func commandExec(sup *client.Supervisor) ui.Exec {
	return func(line string) []string {
		cmd, word := command.Parse(line)
		switch cmd {
		case command.Start:
			if err := sup.StartAudio(); err != nil {
				return []string{fmt.Sprintf("start failed: %v", err)}
			}
			return []string{"audio streaming started"}

		case command.Stop:
			if err := sup.StopAudio(); err != nil {
				return []string{fmt.Sprintf("stop failed: %v", err)}
			}
			return []string{"audio streaming stopped"}

		case command.LogOn:
			path := sessionlog.DefaultPath("client", "session", time.Now())
			if err := sup.SessionLog.Start(path); err != nil {
				return []string{fmt.Sprintf("logon failed: %v", err)}
			}
			return []string{"session logging to " + path}

		case command.LogOff:
			sup.SessionLog.Stop()
			return []string{"session logging stopped"}

		case command.RecStart:
			cfg := sup.Config()
			path := recorder.DefaultPath("session", time.Now())
			if err := sup.Recorder.Start(path, cfg.SampleRate, cfg.Channels); err != nil {
				return []string{fmt.Sprintf("recstart failed: %v", err)}
			}
			return []string{"recording to " + path}

		case command.RecStop:
			sup.Recorder.Stop()
			return []string{"recording stopped"}

		case command.Status:
			return statusLines(sup)

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

func statusLines(sup *client.Supervisor) []string {
	st := sup.Stats()
	cfg := sup.Config()
	return []string{
		fmt.Sprintf("state:     %s", st.State),
		fmt.Sprintf("format:    %d Hz, %d ch, %d frames", cfg.SampleRate, cfg.Channels, cfg.FramesPerBuffer),
		fmt.Sprintf("sent:      %d packets (%d dropped, %d bytes)", st.PacketsSent, st.PacketsDropped, st.BytesSent),
		fmt.Sprintf("received:  %d bytes, %d warnings", st.BytesReceived, st.Warnings),
		fmt.Sprintf("jitter:    depth=%d lost=%d concealed=%d dropped=%d target=%.0fms avg=%.1fms",
			st.Jitter.Depth, st.Jitter.Lost, st.Jitter.SilenceInserted, st.Jitter.Dropped,
			st.Jitter.TargetMs, st.Jitter.AvgJitterMs),
		fmt.Sprintf("ring:      underruns=%d overruns=%d", st.RingUnderruns, st.RingOverruns),
		fmt.Sprintf("heartbeat: rtt=%.1fms", st.HeartbeatRTTMs),
		fmt.Sprintf("volume:    %.0f%% muted=%v", st.Volume*100, st.Muted),
		fmt.Sprintf("recording: %v, logging: %v", sup.Recorder.IsRecording(), sup.SessionLog.IsLogging()),
	}
}

// runPlainREPL reads commands from stdin until quit or a signal.
func runPlainREPL(exec ui.Exec, sigChan chan os.Signal) {
	fmt.Println("Type commands during session:")
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
