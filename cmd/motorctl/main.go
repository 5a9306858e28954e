package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"motorctl/internal/shutdown"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one command line and returns the process exit code: 0 on
// completion or abort, 1 on failure.
func run(argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	token := shutdown.New()
	defer token.SetWithReason("exit")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			token.SetWithReason(sig.String())
		case <-token.Done():
		}
	}()

	cmd := newRootCommand(newCommandContext(token, stdin, stdout, stderr))
	cmd.SetArgs(argv)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}
