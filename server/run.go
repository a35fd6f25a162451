package server

import (
	"bufio"
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"ballpit/utils"
)

// Run starts a dedicated server and blocks until it is interrupted or "quit"
// is read from stdin. args[1], when present, names the TOML config file.
func Run(args []string) error {
	log.SetFlags(log.LstdFlags | log.Llongfile)
	configFile := "ballpit.toml"
	if len(args) > 1 {
		configFile = args[1]
	}
	config, err := utils.LoadConfig(configFile)
	if err != nil {
		return err
	}

	server, err := New(config, Options{})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.Start(ctx)

	errc := make(chan error, 1)
	var s *http.Server
	if config.Observer.Enabled {
		l, err := net.Listen("tcp", config.Observer.Address)
		if err != nil {
			server.Quit()
			server.Join()
			return err
		}
		log.Printf("Observing on ws://%v", l.Addr())
		observer := NewObserver(server, config.Observer.Origins, config.Observer.RateHz, nil)
		go observer.Run(ctx)
		s = &http.Server{
			Handler:      observer,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			errc <- s.Serve(l)
		}()
	}

	quit := make(chan struct{})
	go readCommands(os.Stdin, server, quit)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case <-server.Done():
		log.Printf("terminating: server stopped: %v", server.Err())
	case err := <-errc:
		log.Println(err)
	case sig := <-sigs:
		log.Printf("terminating: %v", sig)
	case <-quit:
		log.Println("terminating: quit")
	}

	server.Quit()
	server.Join()
	if s != nil {
		if err := s.Shutdown(context.Background()); err != nil {
			return err
		}
	}
	return server.Err()
}

// readCommands runs console commands until "quit" or EOF.
func readCommands(r io.Reader, server *Server, quit chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "quit":
			close(quit)
			return
		case "status":
			sim := server.Simulation()
			log.Printf("tick %d, %d players, %.1f ticks/s", sim.Tick(), server.Players(), sim.EffectiveTickrate())
		case "":
		default:
			log.Printf("unknown command %q, try status or quit", scanner.Text())
		}
	}
}
