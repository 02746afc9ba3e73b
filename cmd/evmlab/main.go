package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/mattn/go-isatty"
	"github.com/nanopy/evmlab/calls"
	"github.com/nanopy/evmlab/config"
	"github.com/nanopy/evmlab/core"
	"github.com/nanopy/evmlab/evm"
	"github.com/nanopy/evmlab/rpc"
	"github.com/nanopy/evmlab/session"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evmlab",
		Short: "EvmLab educational EVM interpreter",
		Long: `EvmLab - step through EVM programs one instruction at a time

Programs are plain text, one instruction per line:
  PUSH1 10
  PUSH1 20
  ADD       # comments start with # or //

Example:
  evmlab run examples/add.evm
  evmlab serve --rpc-addr :8547`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return setupLogging(cfg.LogLevel)
		},
	}
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		serveCmd(),
		runCmd(),
		opcodesCmd(),
		classifyCmd(),
		saveCmd(),
		programsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return err
	}
	useColor := (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, useColor)))
	return nil
}

func openStore(cfg *config.Config) (*core.ProgramStore, error) {
	store, err := core.NewProgramStore(filepath.Join(cfg.DataDir, "programs"))
	if err != nil {
		return nil, err
	}
	store.SetMaxLength(cfg.MaxProgramLen)
	return store, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON-RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			printBanner()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			log.Info("Data directory", "path", cfg.DataDir)

			sessions := session.NewManager(&session.Config{
				TTL:         cfg.SessionTTL,
				MaxSessions: cfg.MaxSessions,
			})
			sessions.OnExpire(func(id string) {
				log.Debug("Session expired", "id", id)
			})
			sessions.Start()
			defer sessions.Stop()

			rpcServer := rpc.NewServer(store, sessions, cfg.RPCAddr)
			rpcServer.SetMaxProgramLength(cfg.MaxProgramLen)

			errCh := make(chan error, 1)
			go func() {
				errCh <- rpcServer.Start()
			}()
			log.Info("RPC server", "url", "http://localhost"+cfg.RPCAddr, "ws", "ws://localhost"+cfg.RPCAddr+"/ws")

			// Wait for shutdown
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("RPC server failed: %w", err)
				}
			}

			log.Info("Shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return rpcServer.Stop(ctx)
		},
	}
}

func runCmd() *cobra.Command {
	var (
		asJSON bool
		stored string
	)
	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Execute a program and print its trace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				program []evm.Instruction
				err     error
			)
			switch {
			case stored != "":
				program, err = loadStored(cmd, stored)
			case len(args) == 1:
				program, err = readProgram(args[0])
			default:
				return fmt.Errorf("a program file or --program is required")
			}
			if err != nil {
				return err
			}

			result := evm.RunProgram(program)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			printTrace(cmd.OutOrStdout(), result)
			if !result.Success {
				return result.Err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the trace as JSON")
	cmd.Flags().StringVar(&stored, "program", "", "Run a saved program by name")
	return cmd
}

func loadStored(cmd *cobra.Command, name string) ([]evm.Instruction, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	p, err := store.Get(name)
	if err != nil {
		return nil, err
	}
	return p.Instructions, nil
}

// readProgram loads a program from a file, or from stdin when path is "-".
// Stdin input starting with '[' is read as JSON.
func readProgram(path string) ([]evm.Instruction, error) {
	if path != "-" {
		return core.LoadProgramFile(path)
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	return core.DecodeProgram([]byte(trimmed), strings.HasPrefix(trimmed, "["))
}

type jsonStep struct {
	Instruction string   `json:"instruction"`
	Description string   `json:"description"`
	GasUsed     uint64   `json:"gasUsed"`
	Stack       []string `json:"stack"`
	PC          uint64   `json:"pc"`
	Error       string   `json:"error,omitempty"`
}

func printJSON(w io.Writer, result *evm.ProgramResult) error {
	steps := make([]jsonStep, len(result.Steps))
	for i, step := range result.Steps {
		steps[i] = jsonStep{
			Instruction: step.Instruction.String(),
			Description: step.Description,
			GasUsed:     step.GasUsed,
			Stack:       stackStrings(step.StateAfter),
			PC:          step.StateAfter.PC,
			Error:       step.StateAfter.ErrorString(),
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"steps":     steps,
		"totalGas":  result.TotalGas,
		"success":   result.Success,
		"error":     result.FinalState.ErrorString(),
		"traceRoot": core.NewTraceTree(result.Steps).Root(),
	})
}

func stackStrings(s evm.MachineState) []string {
	out := []string{}
	for _, v := range s.Stack.Data() {
		out = append(out, v.Dec())
	}
	return out
}

func printTrace(w io.Writer, result *evm.ProgramResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tINSTRUCTION\tGAS\tSTACK\tDESCRIPTION")
	for i, step := range result.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%d\t[%s]\t%s\n",
			i, step.Instruction, step.GasUsed, strings.Join(stackStrings(step.StateAfter), " "), step.Description)
	}
	tw.Flush()

	final := result.FinalState
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Total gas:  %d\n", result.TotalGas)
	for _, off := range final.Memory.Offsets() {
		fmt.Fprintf(w, "Memory[%s] = %s\n", off.Dec(), final.Memory.Get32(&off).Hex())
	}
	for _, key := range final.Storage.Keys() {
		fmt.Fprintf(w, "Storage[%s] = %s\n", key.Dec(), final.Storage.Get(&key).Hex())
	}
	if result.Success {
		fmt.Fprintln(w, "Result:     success")
	} else {
		fmt.Fprintf(w, "Result:     halted at pc %d: %v\n", final.PC, result.Err)
	}
}

func opcodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "opcodes",
		Short: "List supported opcodes",
		Run: func(cmd *cobra.Command, args []string) {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BYTE\tNAME\tGAS\tIN\tOUT\tDESCRIPTION")
			for _, info := range evm.AllOpcodes() {
				fmt.Fprintf(tw, "0x%02x\t%s\t%d\t%d\t%d\t%s\n",
					byte(info.OpCode()), info.Name, info.GasCost, info.StackIn, info.StackOut, info.Description)
			}
			tw.Flush()
		},
	}
}

func classifyCmd() *cobra.Command {
	var callType, from, to, value string
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Show how a call would be attributed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := calls.ParseCallType(callType)
			if err != nil {
				return err
			}
			v := new(uint256.Int)
			if value != "" {
				if v, err = evm.ParseWord(value); err != nil {
					return err
				}
			}
			res := calls.ClassifyCall(calls.CallContext{Type: ct, From: from, To: to, Value: *v})

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Call type:         %s\n", ct)
			fmt.Fprintf(w, "msg.sender:        %s\n", res.EffectiveCaller)
			fmt.Fprintf(w, "Storage owner:     %s\n", res.StorageOwner)
			fmt.Fprintf(w, "Code source:       %s\n", res.CodeSource)
			fmt.Fprintf(w, "Value transferred: %s\n", res.ValueTransferred.Dec())
			fmt.Fprintf(w, "Can modify state:  %t\n", res.CanModifyState)
			fmt.Fprintf(w, "\n%s\n", res.Description)
			return nil
		},
	}
	cmd.Flags().StringVar(&callType, "type", "call", "Call type (call, delegatecall, staticcall)")
	cmd.Flags().StringVar(&from, "from", "A", "Calling contract")
	cmd.Flags().StringVar(&to, "to", "B", "Called contract")
	cmd.Flags().StringVar(&value, "value", "0", "Value sent with the call (wei, decimal)")
	return cmd
}

func saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <name> <file|->",
		Short: "Save a program under a name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			program, err := readProgram(args[1])
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			p := core.NewProgram(args[0], program)
			if err := store.Save(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d instructions, id %s)\n", p.Name, len(p.Instructions), p.ID().Hex())
			return nil
		},
	}
}

func programsCmd() *cobra.Command {
	var remove string
	cmd := &cobra.Command{
		Use:   "programs",
		Short: "List saved programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if remove != "" {
				if err := store.Delete(remove); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", remove)
				return nil
			}

			programs, err := store.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tLENGTH\tCREATED\tID")
			for _, p := range programs {
				created := time.Unix(int64(p.Created), 0).UTC().Format(time.RFC3339)
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.Name, len(p.Instructions), created, p.ID().TerminalString())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&remove, "delete", "", "Delete the named program instead of listing")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "EvmLab v%s (%s)\n", version, rpc.ClientVersion)
		},
	}
}

func printBanner() {
	banner := `
  ___          _          _
 | __|_ ___ __ | |   __ _| |__
 | _|\ V / '  \| |__/ _' | '_ \
 |___|\_/|_|_|_|____\__,_|_.__/  v%s
    Step-through EVM interpreter
`
	fmt.Printf(banner, version)
	fmt.Println()
}
