// Command msgrharness-smoke is a thin demonstration binary wiring two
// in-memory messengers together and sending one message between them.
// It exists to show the harness's external interface end to end; it
// carries no assertions of its own and is out of scope for
// correctness testing.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/msgrtest/harness/harness"
	"github.com/msgrtest/harness/msgrtransport"
	"github.com/msgrtest/harness/msgrtransport/mem"
)

func main() {
	net := mem.NewNetwork()
	h := harness.New(harness.Config{
		Logger: hclog.New(&hclog.LoggerOptions{Name: "msgrharness-smoke", Level: hclog.Info}),
		NewTransport: func(addr string) (msgrtransport.Transport, error) {
			return net.NewEndpoint(addr)
		},
	})

	alice, err := h.CreateMessenger("alice")
	if err != nil {
		log.Fatalf("create alice: %v", err)
	}
	if _, err := h.CreateMessenger("bob"); err != nil {
		log.Fatalf("create bob: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.ConnectMessengers(ctx, "alice", "bob"); err != nil {
		log.Fatalf("connect: %v", err)
	}

	if err := alice.Send(ctx, msgrtransport.Message{ID: "smoke", Body: []byte("hello")}); err != nil {
		log.Fatalf("send: %v", err)
	}

	if err := h.CleanUp(); err != nil {
		log.Fatalf("cleanup: %v", err)
	}

	fmt.Println("msgrharness-smoke: ok")
}
