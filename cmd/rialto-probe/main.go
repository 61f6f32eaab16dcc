// Command rialto-probe is a small CLI exercising IpcClient end-to-end
// against a running rialto-server, modeled on the teacher's
// cmd/sdo_client: connect, issue one getSharedMemory call, print the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rialto-go/rialto/pkg/ipc"
)

func main() {
	log.SetLevel(log.DebugLevel)
	log.Debug("starting rialto-probe")

	timeout := flag.Duration("timeout", 5*time.Second, "call timeout")
	flag.Parse()

	logger := slog.Default()
	client, err := ipc.Dial(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer func() {
		client.Stop()
		client.Wait()
	}()

	callCtx, callCancel := context.WithTimeout(context.Background(), *timeout)
	defer callCancel()

	resp, err := client.Channel().Call(callCtx, "getSharedMemory", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "getSharedMemory: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("getSharedMemory -> id=%d payload=%q\n", resp.ID, resp.Payload)
}
