// chain-check attaches to one or more node monitor endpoints and validates
// every payload they place on air.
// Usage: go run ./cmd/chain-check -monitor localhost:7301,localhost:7302
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/SWAI-Ltd/advchain/client"
	"github.com/SWAI-Ltd/advchain/internal/proto"
)

type result struct {
	addr string
	msg  client.Message
}

func main() {
	monitors := flag.String("monitor", "localhost:7300", "comma separated monitor addresses")
	timeout := flag.Duration("dial-timeout", 5*time.Second, "per node dial timeout")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigCh; cancel() }()

	results := make(chan result, 64)
	var wg sync.WaitGroup
	for _, addr := range strings.Split(*monitors, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		dctx, dcancel := context.WithTimeout(ctx, *timeout)
		c, err := client.Dial(dctx, client.Config{Addr: addr, Name: "chain-check"})
		dcancel()
		if err != nil {
			log.Fatalf("connect %s failed: %v", addr, err)
		}
		defer c.Close()
		wg.Add(1)
		go func(addr string, c *client.Client) {
			defer wg.Done()
			for m := range c.Messages() {
				results <- result{addr: addr, msg: m}
			}
			if err := c.Err(); err != nil {
				log.Printf("%s: stream ended: %v", addr, err)
			}
		}(addr, c)
	}
	go func() { wg.Wait(); close(results) }()
	fmt.Printf("Watching %s. Payloads are checked against schema 0x%04X.\n", *monitors, proto.SchemaTag)

	var okCount, failCount int
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nDone. Valid: %d, Invalid: %d\n", okCount, failCount)
			return
		case r, ok := <-results:
			if !ok {
				fmt.Printf("All streams ended. Valid: %d, Invalid: %d\n", okCount, failCount)
				return
			}
			now := time.Now().Format("15:04:05")
			switch {
			case r.msg.State != nil:
				s := r.msg.State
				fmt.Printf("[%s] %-10s %s -> %s (terminations=%d started=%t)\n",
					now, s.Node, s.Previous, s.State, s.Terminations, s.BroadcasterStarted)
			case r.msg.Payload != nil:
				p := r.msg.Payload
				if err := proto.ValidatePayload(p.Tag, p.Data); err != nil {
					failCount++
					fmt.Printf("[%s] FAIL %-10s %v (data: % X)\n", now, p.Node, err, p.Data)
					continue
				}
				okCount++
				fmt.Printf("[%s] OK   %-10s tag=0x%04X data=% X #%d\n", now, p.Node, p.Tag, p.Data, p.Relayed)
			}
		}
	}
}
