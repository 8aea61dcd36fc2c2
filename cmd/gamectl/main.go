// Package main provides a CLI tool for sending control commands to a game server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cory-johannsen/gamecore/internal/config"
	"github.com/cory-johannsen/gamecore/internal/control"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; supplies the default control address")
	addr := flag.String("addr", "", "control server address (default: control.host:control.port from config)")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] load|play|reset|status\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)

	target := *addr
	if target == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		target = cfg.Control.Addr()
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		log.Fatalf("connecting to %s: %v", target, err)
	}
	defer conn.Close()
	client := control.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch command {
	case "load":
		err = client.Load(ctx)
	case "play":
		err = client.Play(ctx)
	case "reset":
		err = client.Reset(ctx)
	case "status":
		err = printStatus(ctx, client)
	default:
		log.Fatalf("unknown command %q: must be one of load, play, reset, status", command)
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}

	fmt.Fprintf(os.Stdout, "%s ok [%s]\n", command, time.Since(start))
}

func printStatus(ctx context.Context, client *control.Client) error {
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	fields := st.AsMap()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(os.Stdout, "%-12s %v\n", k, fields[k])
	}
	return nil
}
