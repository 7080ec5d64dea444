package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

func main() {
	var (
		address = flag.String("addr", "127.0.0.1:9001", "device address")
		timeout = flag.Duration("timeout", 5*time.Second, "dial timeout")
	)
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *address, *timeout)
	if err != nil {
		log.Fatalf("connect %s: %v", *address, err)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          *address + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Fatalf("readline: %v", err)
	}
	defer rl.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if text := strings.TrimRight(line, "\r\n"); text != "" {
				fmt.Fprintln(rl.Stdout(), text)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					fmt.Fprintf(rl.Stderr(), "read: %v\n", err)
				}
				fmt.Fprintln(rl.Stdout(), "connection closed by device")
				rl.Close()
				return
			}
		}
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			break
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if _, err := io.WriteString(conn, input+"\n"); err != nil {
			fmt.Fprintf(rl.Stderr(), "write: %v\n", err)
			break
		}
	}
	conn.Close()
	<-closed
}
