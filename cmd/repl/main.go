// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL for exploring a Registry.
//
// # Usage
//
//	go run ./cmd/repl
//
// Available commands:
//
//	register <class> <id>            - Register a handle whose destructor prints its key
//	unregister <class> <id>          - Release the caller's own reference
//	adddep <class> <id> <class> <id> - Add a dependency edge
//	rmdep <class> <id> <class> <id>  - Remove a dependency edge
//	stats                            - Print registry statistics
//	dump                             - Dump every live handle
//	quit, exit                       - Exit the REPL
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/kianostad/handlelife"
)

type repl struct {
	reg *handlelife.Registry
}

func newREPL(reg *handlelife.Registry) *repl {
	return &repl{reg: reg}
}

func parseKey(class, id string) (handlelife.HandleKey, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return handlelife.HandleKey{}, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return handlelife.HandleKey{Class: class, ID: uintptr(n)}, nil
}

func (r *repl) run() {
	fmt.Println("handlelife REPL")
	fmt.Println("Commands: register, unregister, adddep, rmdep, stats, dump, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		fields := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "register":
			if len(args) != 2 {
				fmt.Println("Usage: register <class> <id>")
				continue
			}
			key, err := parseKey(args[0], args[1])
			if err != nil {
				fmt.Println(err)
				continue
			}
			err = r.reg.Register(key, nil, func(k handlelife.HandleKey, v any) error {
				fmt.Printf("destroyed %s#%d\n", k.Class, k.ID)
				return nil
			})
			if err != nil {
				fmt.Println("Error:", err)
				continue
			}
			fmt.Println("OK")

		case "unregister":
			if len(args) != 2 {
				fmt.Println("Usage: unregister <class> <id>")
				continue
			}
			key, err := parseKey(args[0], args[1])
			if err != nil {
				fmt.Println(err)
				continue
			}
			if err := r.reg.Unregister(key); err != nil {
				fmt.Println("Error:", err)
				continue
			}
			fmt.Println("OK")

		case "adddep", "rmdep":
			if len(args) != 4 {
				fmt.Printf("Usage: %s <class> <id> <class> <id>\n", cmd)
				continue
			}
			depender, err := parseKey(args[0], args[1])
			if err != nil {
				fmt.Println(err)
				continue
			}
			dependency, err := parseKey(args[2], args[3])
			if err != nil {
				fmt.Println(err)
				continue
			}
			if cmd == "adddep" {
				err = r.reg.AddDependency(depender, dependency)
			} else {
				err = r.reg.RemoveDependency(depender, dependency)
			}
			if err != nil {
				fmt.Println("Error:", err)
				continue
			}
			fmt.Println("OK")

		case "stats":
			stats := r.reg.Stats()
			fmt.Printf("handles=%d buckets=%d active_destructions=%d queue_depth=%d\n",
				stats.HandleCount, stats.BucketCount, stats.ActiveDestructions, stats.QueueDepth)
			fmt.Printf("register=%d unregister=%d destroy=%d add_dep=%d remove_dep=%d\n",
				stats.Operations.Register, stats.Operations.Unregister, stats.Operations.Destroy,
				stats.Operations.AddDependency, stats.Operations.RemoveDependency)

		case "dump":
			if err := r.reg.DebugDump(os.Stdout); err != nil {
				fmt.Println("Error:", err)
			}

		case "quit", "exit":
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}

func main() {
	reg := handlelife.NewRegistry()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal, draining registry...")
		reg.Close()
		os.Exit(0)
	}()

	newREPL(reg).run()
	reg.Close()
}
