// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// avsep trains and inspects the audio-visual speech separation model.
//
// Commands:
//
//   - train: trains on the corpus of the configuration (or on synthetic data), on one or more
//     in-process replicas, resuming from the latest checkpoint if there is one. Started by a
//     multi-process launcher (WORLD_SIZE, RANK, MASTER_ADDR and MASTER_PORT set in the
//     environment), each process is one replica and they connect over TCP.
//   - plan: prints the shard plan of each replica for an epoch.
//   - checkpoints: lists the checkpoints of a directory.
//   - history: lists the runs and epochs recorded in the journal.
//   - config: creates, shows and validates configuration files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "avsep: %+v\n", err)
		}
		os.Exit(1)
	}
}
