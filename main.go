package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"ballpit/client"
	"ballpit/packet"
	"ballpit/server"
	"ballpit/utils"

	"github.com/go-gl/mathgl/mgl32"
)

const frameRate = 60

func main() {
	log.SetFlags(log.LstdFlags | log.Llongfile)

	if len(os.Args) > 1 && os.Args[1] == "server" {
		if err := server.Run(os.Args[1:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	configFile := "ballpit.toml"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	cfg, err := utils.LoadConfig(configFile)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := client.Connect(ctx, cfg, client.Options{})
	if err != nil {
		log.Printf("Encountered err: %v. Trying to spin up server manually", err)

		// Host the game ourselves if nobody else is.
		s, err := server.New(cfg, server.Options{})
		if err != nil {
			log.Fatal(err)
		}
		s.Start(ctx)
		defer func() {
			s.Quit()
			s.Join()
		}()

		c, err = client.Connect(ctx, cfg, client.Options{})
		if err != nil {
			log.Fatal(err)
		}
	}
	defer c.Close()

	play(ctx, c)
}

// play walks the local player in circles, jumping now and then, until ctx
// is done or the server goes away.
func play(ctx context.Context, c *client.Client) {
	frames := time.NewTicker(time.Second / frameRate)
	defer frames.Stop()
	status := time.NewTicker(time.Second)
	defer status.Stop()

	var frame int
	for c.Connected() {
		select {
		case <-ctx.Done():
			return
		case <-status.C:
			local := c.LocalPlayer()
			log.Printf("player %d at %v, ball at %v, %d others, rtt %.1fms",
				local.ID, local.Position, c.Ball().Position, c.Proxies().Len(), c.RTT())
		case <-frames.C:
			frame++
			yaw := float32(frame) / frameRate
			c.SetRotation(mgl32.Vec3{0, yaw, 0})
			c.PressInputs(packet.Movement{Forward: true, Jump: frame%(3*frameRate) == 0})
			c.Update()
		}
	}
	log.Println("disconnected from server")
}
