// The overlay is the untrusted-surface lock screen: it owns the terminal,
// shrugs off interrupt signals, and knows nothing but a local socket path
// and a message to display. Codes go out one per connection; only OK or a
// generic ERR comes back.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
)

func main() {
	var (
		socket = flag.String("socket", "", "local channel to the agent")
		title  = flag.String("title", "DEVICE LOCKED", "banner title")
		msg    = flag.String("msg", "This device is locked.\nPlease contact Admin to get an unlock code.", "display message")
	)
	flag.Parse()

	if *socket == "" {
		fmt.Fprintln(os.Stderr, "overlay: --socket required")
		os.Exit(2)
	}

	// Close-resistant: the user cannot Ctrl-C their way out. Only the
	// supervisor kills this process.
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		fmt.Print("\033[2J\033[H") // clear screen
		fmt.Printf("========================================\n")
		fmt.Printf("  %s\n", *title)
		fmt.Printf("========================================\n\n")
		fmt.Println(*msg)
		fmt.Print("\nEnter unlock code: ")

		code, err := readCode()
		fmt.Println()
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		switch submit(*socket, code) {
		case "OK":
			fmt.Println("Device unlocked.")
			return
		case "ERR:EMPTY":
			fmt.Println("No code entered.")
		default:
			fmt.Println("Invalid code. Try again.")
		}
		time.Sleep(2 * time.Second)
	}
}

// readCode reads without echo when attached to a terminal, so the code is
// not left sitting on the screen of a locked machine.
func readCode() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		return strings.TrimSpace(string(b)), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line), err
}

// submit performs one attempt: dial, one line out, one status line back.
func submit(socket, code string) string {
	conn, err := net.DialTimeout("unix", socket, 5*time.Second)
	if err != nil {
		return "ERR:NOAGENT"
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	if _, err := fmt.Fprintf(conn, "%s\n", code); err != nil {
		return "ERR:IO"
	}
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "ERR:IO"
	}
	return strings.TrimSpace(status)
}
