package main

import (
	"fmt"
	"io"
	"os"

	shellwords "github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/clawpot/clawpotd/internal/rpcclient"
)

var execCmd = &cobra.Command{
	Use:   "exec <vm-id> -- <command> [args...]",
	Short: "Run a command inside a running sandbox",
	Long: `Run a command inside a running sandbox and print its stdout/stderr.

The command may be given either as trailing positional arguments after
"--", or as a single quoted string via --command:

  clawpotctl exec <vm-id> -- ls -la /tmp
  clawpotctl exec <vm-id> --command "ls -la /tmp"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().String("command", "", "Shell-style quoted command line, alternative to trailing args")
	execCmd.Flags().StringArray("env", nil, "Environment variable KEY=VALUE (can be repeated)")
	execCmd.Flags().StringP("workdir", "w", "", "Working directory inside the sandbox")
	execCmd.Flags().BoolP("interactive", "i", false, "Stream stdin to the command and its stdout/stderr back, raw-mode terminal")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	vmID := args[0]
	rest := args[1:]

	commandLine, _ := cmd.Flags().GetString("command")
	var parts []string
	if commandLine != "" {
		split, err := shellwords.Split(commandLine)
		if err != nil {
			return fmt.Errorf("parse --command: %w", err)
		}
		parts = split
	} else {
		parts = rest
	}
	if len(parts) == 0 {
		return fmt.Errorf("no command given: pass trailing args after -- or --command")
	}

	envPairs, _ := cmd.Flags().GetStringArray("env")
	env := make(map[string]string, len(envPairs))
	for _, pair := range envPairs {
		key, value, ok := splitKV(pair)
		if !ok {
			return fmt.Errorf("malformed --env %q, expected KEY=VALUE", pair)
		}
		env[key] = value
	}

	workdir, _ := cmd.Flags().GetString("workdir")
	interactive, _ := cmd.Flags().GetBool("interactive")

	client, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if interactive {
		return runExecStream(client, vmID, parts, env, workdir)
	}

	result, err := client.ExecVM(vmID, parts[0], parts[1:], env, workdir)
	if err != nil {
		return err
	}

	os.Stdout.Write(result.Stdout)
	os.Stderr.Write(result.Stderr)
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

// runExecStream drives an exec_vm_stream session, putting the host
// terminal into raw mode for the duration so the guest process sees
// keystrokes, including control characters, as they're typed.
func runExecStream(client *rpcclient.Client, vmID string, parts []string, env map[string]string, workdir string) error {
	stream, err := client.StreamExec(vmID, parts[0], parts[1:], env, workdir)
	if err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	restore, rawErr := term.MakeRaw(stdinFd)
	if rawErr == nil {
		defer term.Restore(stdinFd, restore)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := stream.WriteStdin(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				_ = stream.CloseStdin()
				return
			}
		}
	}()

	exitCode := 0
	for chunk := range stream.Chunks {
		switch {
		case chunk.ExitCode != nil:
			exitCode = *chunk.ExitCode
		case chunk.Stderr != nil:
			os.Stderr.Write(chunk.Stderr)
		default:
			os.Stdout.Write(chunk.Stdout)
		}
	}

	if err := stream.Err(); err != nil && err != io.EOF {
		return err
	}
	if rawErr == nil {
		term.Restore(stdinFd, restore)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func splitKV(pair string) (key, value string, ok bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:], true
		}
	}
	return "", "", false
}
