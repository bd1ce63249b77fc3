// File: cmd/pilot/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/pilot-cli/cmd"
	"github.com/xkilldash9x/pilot-cli/internal/observability"
)

const panicLogFile = "panic.log"

const banner = `
  pilot - plain-language browser automation
  type a command such as: run "search for shoes" --url shop.example
  exit or Ctrl+D to quit

`

// Define function variables for dependency injection/mocking in tests.
var (
	osWriteFile = os.WriteFile
	// Allows mocking os.Exit in tests.
	osExit = os.Exit
)

// main is the entry point of the application.
func main() {
	defer handlePanic()

	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// If arguments are passed, execute the command directly and exit.
	if len(os.Args) > 1 {
		if err := cmd.Execute(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				osExit(0) // Exit cleanly on graceful shutdown
			} else {
				osExit(1)
			}
		}
		return
	}

	// -- Interactive Mode --
	fmt.Print(banner)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("pilot > ")
		if !scanner.Scan() {
			break // Exit on EOF (Ctrl+D)
		}
		line := scanner.Text()
		if line == "exit" || line == "quit" {
			break
		}
		if err := executeInteractiveCommand(ctx, line); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "Error reading from stdin:", err)
		osExit(1)
	}
	fmt.Println("Exiting pilot.")
}

// executeInteractiveCommand runs one shell line, recovering from panics so
// the session survives a crashing command.
func executeInteractiveCommand(ctx context.Context, line string) (err error) {
	args, err := splitArgs(line)
	if err != nil || len(args) == 0 {
		return err
	}
	// A new command tree per line keeps flags from leaking between commands.
	rootCmd := cmd.NewRootCommand()
	rootCmd.SetArgs(args)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panicked: %v", r)
		}
	}()
	return rootCmd.ExecuteContext(ctx)
}

// splitArgs splits a shell line on whitespace, keeping single or double
// quoted spans together so tasks can be typed naturally.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		current []rune
		quote   rune
		inArg   bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current = append(current, r)
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, string(current))
				current = current[:0]
				inArg = false
			}
		default:
			current = append(current, r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if inArg {
		args = append(args, string(current))
	}
	return args, nil
}

// handlePanic records a crash to panic.log before exiting.
func handlePanic() {
	if r := recover(); r != nil {
		// Ensure logs are flushed before proceeding.
		observability.Sync()

		stackTrace := debug.Stack()
		panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, stackTrace)

		if err := osWriteFile(panicLogFile, []byte(panicMessage), 0644); err != nil {
			// If logging fails, print to stderr as a fallback.
			fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
			fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
			osExit(1)
			return // Return facilitates testing when osExit is mocked.
		}
		fmt.Fprintf(os.Stderr, "pilot crashed. Details logged to %s\n", panicLogFile)
		osExit(2)
	}
}
