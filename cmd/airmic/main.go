package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/airmic/airmic/cmd/airmic/config"
	"github.com/airmic/airmic/internal/discovery"
	"github.com/airmic/airmic/internal/session"
	"github.com/airmic/airmic/internal/transport"
	"github.com/airmic/airmic/internal/utils"
	"github.com/airmic/airmic/pkg/audiosink"
	"github.com/airmic/airmic/pkg/audiosink/pasink"
	"github.com/airmic/airmic/pkg/audiosink/wavsink"
	"github.com/airmic/airmic/pkg/frame"
	"github.com/spf13/viper"
)

func initializeSink() (audiosink.Sink, io.Closer, error) {
	sampleRate := viper.GetInt("samplerate")
	channels := viper.GetInt("channels")

	switch viper.GetString("sink") {
	case "portaudio":
		return pasink.NewPortAudioSink(sampleRate, channels, slog.Default()), nil, nil
	case "wav":
		sink, err := wavsink.NewWavCaptureSink(viper.GetString("wavpath"), sampleRate, channels)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink, nil
	case "null":
		return audiosink.NewNullSink(audiosink.Properties{
			Format:      frame.FormatFloat32,
			SampleRate:  sampleRate,
			NumChannels: channels,
		}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink %q", viper.GetString("sink"))
	}
}

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring default logger", "err", err)
		panic(err)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	sink, sinkCloser, err := initializeSink()
	if err != nil {
		slog.Error("error while initializing audio sink", "err", err)
		panic(err)
	}
	if sinkCloser != nil {
		defer sinkCloser.Close()
	}

	browser := discovery.NewMDNSBrowser(viper.GetString("domain"), slog.Default())
	controller := session.NewController(
		browser,
		transport.NewUDPTransport(slog.Default()),
		sink,
		session.Config{
			ServiceType:    viper.GetString("servicetype"),
			ResolveTimeout: time.Duration(viper.GetInt("resolvetimeoutseconds")) * time.Second,
		},
		slog.Default(),
	)
	defer controller.Close()

	if err := controller.StartSearch(); err != nil {
		slog.Error("error while starting device search", "err", err)
		panic(err)
	}

	runCommandLoop(controller)
}

// A minimal operational prompt. The session engine is the product; this loop
// only exposes it for manual use.
func runCommandLoop(controller *session.Controller) {
	fmt.Println("commands: list | resolve <name> | connect <name> | disconnect | status | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		command, argument, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		argument = strings.TrimSpace(argument)

		switch command {
		case "":

		case "list":
			snapshot := controller.Snapshot()
			if len(snapshot.Devices) == 0 {
				fmt.Println("no devices discovered")
			}
			for _, device := range snapshot.Devices {
				address := "unresolved"
				if device.IPAddress != "" {
					address = fmt.Sprintf("%s:%d", device.IPAddress, device.Port)
				}
				fmt.Printf("  %-24s %-20s %s\n", device.Name, address, device.State)
			}

		case "resolve":
			device, ok := deviceByName(controller, argument)
			if !ok {
				fmt.Printf("no device named %q\n", argument)
				continue
			}
			address, err := controller.ResolveDevice(device.ID)
			if err != nil {
				fmt.Printf("resolve failed: %v\n", err)
				continue
			}
			fmt.Printf("%s resolved to %s\n", device.Name, address)

		case "connect":
			device, ok := deviceByName(controller, argument)
			if !ok {
				fmt.Printf("no device named %q\n", argument)
				continue
			}
			if err := controller.Connect(device.ID); err != nil {
				fmt.Printf("connect failed: %v\n", err)
			}

		case "disconnect":
			controller.Disconnect()

		case "status":
			snapshot := controller.Snapshot()
			fmt.Printf("status: %s\n", snapshot.Status)
			if snapshot.LastError != "" {
				fmt.Printf("last error: %s\n", snapshot.LastError)
			}
			fmt.Printf("level: %.3f\n", snapshot.Level)
			fmt.Printf("packets: %d (%d bytes), per-second marks: %d packets / %d bytes\n",
				snapshot.Stats.TotalPackets, snapshot.Stats.TotalBytes,
				snapshot.Stats.PerSecondPackets, snapshot.Stats.PerSecondBytes)
			for _, entry := range snapshot.Log {
				fmt.Println("  " + entry)
			}

		case "quit", "exit":
			return

		default:
			fmt.Printf("unknown command %q\n", command)
		}
	}
}

func deviceByName(controller *session.Controller, name string) (session.DeviceView, bool) {
	if name == "" {
		return session.DeviceView{}, false
	}
	for _, device := range controller.Snapshot().Devices {
		if device.Name == name {
			return device, true
		}
	}
	return session.DeviceView{}, false
}
