package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/omochice/toy-broadcast-chat/internal/client"
)

func main() {
	serverAddr := flag.String("server", "ws://localhost:8080", "WebSocket server address (e.g., ws://localhost:8080)")
	username := flag.String("username", "", "Display name shown to other participants")
	dialTimeout := flag.Duration("timeout", 10*time.Second, "Connection timeout")
	flag.Parse()

	if *username == "" {
		log.Fatal("Username is required. Use -username flag")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(*serverAddr, *username)

	dialCtx, cancel := context.WithTimeout(ctx, *dialTimeout)
	err := c.Connect(dialCtx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *serverAddr, err)
	}
	defer c.Disconnect()

	log.Printf("Joined %s as %s", *serverAddr, *username)

	lines := make(chan string)
	go readLines(lines)

	fmt.Println("Type a message and press enter; 'quit' leaves the chat.")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Messages():
			if !ok {
				if code, reason, closed := c.CloseStatus(); closed {
					log.Printf("Server closed the connection (%d): %s", code, reason)
				}
				return
			}
			fmt.Println(msg)
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			switch text {
			case "":
				continue
			case "quit", "exit":
				return
			}
			if err := c.SendMessage(ctx, text); err != nil {
				log.Printf("Failed to send message: %v", err)
			}
		}
	}
}

// readLines forwards stdin line by line until EOF.
func readLines(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}
}
