package main

import (
	"flag"
	"github.com/rs/zerolog/log"
	"io"
	"netevent"
	"os"
	"time"
)

var config *netevent.Config
var timeout time.Duration
var outputPath string

func init() {
	configFilePath := flag.String("c", "./cmd/config.toml", "path to configuration file.")
	flag.DurationVar(&timeout, "t", 5*time.Second, "connect timeout.")
	flag.StringVar(&outputPath, "o", "received.out", "path to write the received file to.")
	flag.Parse()
	var err error
	config, err = netevent.LoadConfig(*configFilePath)
	if err != nil {
		log.Fatal().Msgf("can't load config: %+v", err)
	}
	netevent.SetLogLevel(config)
}

func main() {
	runtime, err := netevent.NewRuntime(config)
	if err != nil {
		log.Fatal().Msgf("can't start runtime: %+v", err)
	}
	defer runtime.Close()

	done := make(chan error, 1)
	netevent.ConnectNamedPipe(runtime.Engine, config.Server.Path, timeout, func(pipe *netevent.NamedPipe, err error) {
		if err != nil {
			done <- err
			return
		}
		pipe.ReceiveFile(func(f *netevent.ReceivedFile, err error) {
			defer pipe.Close()
			if err != nil {
				done <- err
				return
			}
			defer f.Close()
			done <- store(f)
		})
	})
	if err = <-done; err != nil {
		log.Error().Msgf("got error while receiving file: %+v", err)
		runtime.Close()
		os.Exit(1)
	}
}

func store(f *netevent.ReceivedFile) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()
	n, err := io.Copy(out, f)
	if err != nil {
		return err
	}
	log.Info().Msgf("received %d of %d bytes into %s", n, f.Size(), out.Name())
	return nil
}
