package main

import (
	"flag"
	"github.com/rs/zerolog/log"
	"netevent"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var config *netevent.Config

func init() {
	configFilePath := flag.String("c", "./cmd/config.toml", "path to configuration file.")
	flag.Parse()
	var err error
	config, err = netevent.LoadConfig(*configFilePath)
	if err != nil {
		log.Fatal().Msgf("can't load config: %+v", err)
	}
	netevent.SetLogLevel(config)
}

func main() {
	log.Info().Msg("starting pipe server...")
	if _, err := netevent.RaiseOpenFilesLimit(config.Global.MaxOpenFiles); err != nil {
		log.Warn().Msgf("keeping current open files limit: %+v", err)
	}
	runtime, err := netevent.NewRuntime(config)
	if err != nil {
		log.Fatal().Msgf("can't start runtime: %+v", err)
	}
	defer runtime.Close()

	listener, err := netevent.ListenNamedPipe(runtime.Engine, config.Server.Path)
	if err != nil {
		log.Fatal().Msgf("can't listen on %s: %+v", config.Server.Path, err)
	}
	defer os.Remove(config.Server.Path)
	defer listener.Close()

	acceptNext(listener)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Info().Msgf("got %s, stopping pipe server", sig)
}

func acceptNext(listener *netevent.NamedPipe) {
	listener.Accept(netevent.NoTimeout, func(client *netevent.NamedPipe, err error) {
		if err != nil {
			if listener.IsOpen() {
				log.Error().Msgf("got error while accepting client: %+v", err)
				acceptNext(listener)
			}
			return
		}
		acceptNext(listener)
		serve(client)
	})
}

func serve(client *netevent.NamedPipe) {
	f, err := os.Open(config.Server.File)
	if err != nil {
		log.Error().Msgf("can't open %s: %+v", config.Server.File, err)
		_ = client.Close()
		return
	}
	start := time.Now()
	client.SendFile(f, func(err error) {
		if err != nil {
			log.Error().Msgf("[%d] got error while sending file: %+v", client.Fd(), err)
		} else {
			log.Info().Msgf("[%d] sent %s in %s", client.Fd(), f.Name(), time.Since(start))
		}
		_ = client.Close()
	})
	_ = f.Close()
}
