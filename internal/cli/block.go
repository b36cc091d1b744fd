package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
)

var blockCmd = &cobra.Command{
	Use:   "block [id] [reason]",
	Short: "Mark a backlog item as blocked",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runBlock,
}

var unblockCmd = &cobra.Command{
	Use:   "unblock [id] [answer]",
	Short: "Unblock an item, optionally answering its question",
	Long:  "Returns a blocked item to READY. An answer is appended to the description so the next agent sees it.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUnblock,
}

func runBlock(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		it, err := svc.BlockItem(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(it)
		}
		fmt.Printf("Blocked %s: %s\n", bold(it.ID), it.BlockedReason)
		return nil
	})
}

func runUnblock(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		before, err := svc.Item(ctx, args[0])
		if err != nil {
			return err
		}
		answer := strings.Join(args[1:], " ")
		it, err := svc.UnblockItem(ctx, args[0], answer)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(it)
		}
		fmt.Printf("Unblocked %s\n", bold(it.ID))
		fmt.Printf("  Question was: %s\n", before.BlockedReason)
		if answer != "" {
			fmt.Printf("  Your answer:  %s\n", answer)
		}
		return nil
	})
}
