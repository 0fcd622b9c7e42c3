package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cbeuw/zbncp/internal/admin"
	"github.com/cbeuw/zbncp/internal/capture"
	"github.com/cbeuw/zbncp/internal/config"
	"github.com/cbeuw/zbncp/internal/frame"
	"github.com/cbeuw/zbncp/ncp"
	log "github.com/sirupsen/logrus"
)

var version string

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// pickSession returns id if it names a recorded session, or the latest
// session when id is empty.
func pickSession(infos []capture.SessionInfo, id string) (string, error) {
	if len(infos) == 0 {
		return "", errors.New("capture holds no sessions")
	}
	if id == "" {
		return infos[len(infos)-1].ID, nil
	}
	for _, info := range infos {
		if info.ID == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("no session %v in capture", id)
}

func replay(path string, session string) error {
	r, err := capture.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()
	infos, err := r.Sessions()
	if err != nil {
		return err
	}
	session, err = pickSession(infos, session)
	if err != nil {
		return err
	}
	for _, inbound := range []bool{true, false} {
		dir := "host -> ncp"
		if inbound {
			dir = "ncp -> host"
		}
		stats, err := capture.Replay(r, session, inbound, func(rec capture.Record, p frame.Packet) {
			log.Infof("%v %v: %v", rec.At().Format("15:04:05.000000"), dir, p)
		})
		if err != nil {
			return err
		}
		log.Infof("%v: %v records, %v frames, %v packets, %v invalid", dir, stats.Records, stats.Frames, stats.Packets, stats.Invalid)
	}
	return nil
}

func main() {
	var configPath string
	var devicePath string
	var baudRate int
	var adminListen string
	var capturePath string
	var replayPath string
	var replaySession string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&configPath, "c", "", "config: path to the TOML configuration file")
	flag.StringVar(&devicePath, "d", "", "device: serial port, socket://host:port or ws://host:port/path")
	flag.IntVar(&baudRate, "b", config.DefaultBaudRate, "baudrate of the serial port")
	flag.StringVar(&adminListen, "a", "", "ip:port to serve the admin api on")
	flag.StringVar(&capturePath, "capture", "", "record all link traffic into this file")
	flag.StringVar(&replayPath, "replay", "", "decode a capture file instead of connecting")
	flag.StringVar(&replaySession, "session", "", "capture session to replay, the latest by default")
	verbosity := flag.String("verbosity", "", "verbosity level")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	flag.Parse()

	if *askVersion {
		fmt.Printf("zbncp %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	// commandline arguments take precedence over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "d":
			cfg.Device.Path = devicePath
		case "b":
			cfg.Device.BaudRate = baudRate
		case "a":
			cfg.AdminListen = adminListen
		case "capture":
			cfg.CapturePath = capturePath
		}
	})
	if *verbosity != "" {
		lvl, err := log.ParseLevel(*verbosity)
		if err != nil {
			log.Fatal(err)
		}
		cfg.LogLevel = lvl
	}
	log.SetLevel(cfg.LogLevel)

	if replayPath != "" {
		if err := replay(replayPath, replaySession); err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := ncp.Connect(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) { lost <- err })

	v, err := c.Version(ctx)
	if err != nil {
		c.Close()
		log.Fatalf("failed to query NCP version: %v", err)
	}
	log.Infof("Connected to NCP on %v: firmware %v, stack %v, protocol %v", cfg.Device.Path, v.Firmware, v.Stack, v.Protocol)

	if cfg.AdminListen != "" {
		srv := &http.Server{Addr: cfg.AdminListen, Handler: admin.APIRouterOf(c)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("admin api: %v", err)
			}
		}()
		defer srv.Close()
		log.Infof("API base is %v", cfg.AdminListen)
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-lost:
		log.Errorf("Lost connection to NCP: %v", err)
	}
	if err := c.Close(); err != nil {
		log.Debugf("closing client: %v", err)
	}
}
