package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/viewsync/internal/focus"
)

var (
	focusURL      string
	focusOrder    string
	focusStore    string
	focusProducts []string
	focusTimeout  time.Duration
)

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Send a focus hint for an order",
	Long:  "Send a best-effort focus hint so events related to an order are listed first. Delivery failures are reported but never fail the command.",
	RunE:  runFocus,
}

func init() {
	focusCmd.Flags().StringVar(&focusURL, "url", "",
		"Propagation API base URL (default VIEWSYNC_FOCUS_URL or http://localhost:8080)")
	focusCmd.Flags().StringVar(&focusOrder, "order", "", "Order id")
	focusCmd.Flags().StringVar(&focusStore, "store", "", "Store id")
	focusCmd.Flags().StringSliceVar(&focusProducts, "product", nil, "Product id (repeatable)")
	focusCmd.Flags().DurationVar(&focusTimeout, "timeout", focus.DefaultTimeout, "Request budget")
	focusCmd.MarkFlagRequired("order")
}

func runFocus(cmd *cobra.Command, args []string) error {
	url := focusURL
	if url == "" {
		url = os.Getenv("VIEWSYNC_FOCUS_URL")
	}
	if url == "" {
		url = "http://localhost:8080"
	}

	n := focus.NewNotifier(url, focusTimeout)
	if n.SetFocus(cmd.Context(), focusOrder, focusStore, focusProducts) {
		fmt.Fprintf(cmd.OutOrStdout(), "focus set: order %s\n", focusOrder)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "focus not delivered: order %s\n", focusOrder)
	}
	return nil
}
