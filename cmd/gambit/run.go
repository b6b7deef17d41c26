package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gambitlabs/gambit/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run <deck>",
	Short: "Execute one deck turn and print its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := buildHarness(cmd)
		if err != nil {
			return err
		}

		input, _ := cmd.Flags().GetString("message")
		session, _ := cmd.Flags().GetString("session")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, err := h.engine.Run(ctx, engine.RunOptions{
			SessionID: session,
			Deck:      args[0],
			Input:     input,
		})
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out.Result)
		}
		if text := out.Result.Text(); text != "" {
			fmt.Println(text)
			return nil
		}
		raw, err := json.Marshal(out.Result.Payload)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("message", "m", "", "User message for this turn")
	runCmd.Flags().String("session", "", "Session id to resume or create")
	runCmd.Flags().Bool("json", false, "Print the full result envelope as JSON")
}
