// argus-worker is the tool-runner subprocess. It speaks a line protocol
// over stdin/stdout: after printing its process-group id and reading the
// compression selector, it loops reading "<tool>\n<path>\n", runs the tool
// with a hard timeout, stores the rendered artifact, and replies with a
// single status integer. EOF on stdin means die.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/argusmon/argus/internal/config"
	"github.com/argusmon/argus/internal/debug"
	"github.com/argusmon/argus/internal/status"
	"github.com/argusmon/argus/internal/store"
	"github.com/argusmon/argus/internal/tools"
)

func main() {
	fmt.Println(unix.Getpgrp())

	root, err := os.Getwd()
	if err != nil {
		os.Exit(1)
	}
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.Default(root)
	}
	reg, err := tools.NewRegistry(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	compLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	comp, err := store.ParseCompression(strings.TrimSpace(compLine))
	if err != nil {
		comp = store.Gzip
	}
	artifacts := store.New(cfg.CacheDir(), comp,
		cfg.Cache.PageSize, cfg.Cache.PageCacheSize, cfg.Cache.BlobCacheSize)
	timeout := time.Duration(cfg.Workers.ToolTimeoutSec) * time.Second

	for {
		toolLine, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		pathLine, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		toolName := strings.TrimSpace(toolLine)
		path := strings.TrimSpace(pathLine)

		result := runJob(reg, artifacts, toolName, path, timeout)
		fmt.Println(int(result))
	}
}

// runJob executes one tool and persists its artifact before the status
// reply goes out, so the engine can read the blob as soon as it sees the
// status.
func runJob(reg *tools.Registry, artifacts *store.Store, toolName, path string,
	timeout time.Duration) status.Status {
	tool, ok := reg.ToolByName(toolName)
	if !ok {
		_ = artifacts.Put(path, toolName, []string{"Unknown tool: " + toolName})
		return status.Error
	}
	result, lines := tools.Run(tool, path, timeout)
	if err := artifacts.Put(path, toolName, lines); err != nil {
		debug.LogWorker("%v\n", err)
	}
	return result
}
