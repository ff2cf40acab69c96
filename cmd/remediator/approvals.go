package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miradorstack/mirador-remediator/internal/api"
)

var (
	apiAddress  string
	apiTimeout  time.Duration
	rejectFlag  bool
	approverArg string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and resolve actions waiting for approval",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, client *api.ApprovalsClient) error {
			resp, err := client.ListPending(ctx)
			if err != nil {
				return err
			}
			records, err := api.FromProtoPendingResponse(resp)
			if err != nil {
				return err
			}
			return printJSON(records)
		})
	},
}

var approvalsResolveCmd = &cobra.Command{
	Use:   "resolve <action-id>",
	Short: "Approve (default) or reject a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := api.ToProtoResolveRequest(api.ResolveRequest{
			ActionID: args[0],
			Approved: !rejectFlag,
			Approver: approverArg,
		})
		if err != nil {
			return err
		}
		return withClient(cmd.Context(), func(ctx context.Context, client *api.ApprovalsClient) error {
			resp, err := client.Resolve(ctx, req)
			if err != nil {
				return err
			}
			result, err := api.FromProtoResolveResult(resp)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Fetch the current report from a running remediator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, client *api.ApprovalsClient) error {
			resp, err := client.GetReport(ctx)
			if err != nil {
				return err
			}
			rep, err := api.FromProtoReport(resp)
			if err != nil {
				return err
			}
			return printJSON(rep)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{approvalsCmd, reportCmd} {
		cmd.PersistentFlags().StringVar(&apiAddress, "addr", "localhost:50051", "Remediator gRPC address")
		cmd.PersistentFlags().DurationVar(&apiTimeout, "timeout", 5*time.Second, "Request timeout")
	}
	approvalsResolveCmd.Flags().BoolVar(&rejectFlag, "reject", false, "Reject instead of approve")
	approvalsResolveCmd.Flags().StringVar(&approverArg, "approver", os.Getenv("USER"), "Name recorded with the decision")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsResolveCmd)
	rootCmd.AddCommand(approvalsCmd, reportCmd)
}

func withClient(parent context.Context, fn func(context.Context, *api.ApprovalsClient) error) error {
	conn, err := grpc.NewClient(apiAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", apiAddress, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(parent, apiTimeout)
	defer cancel()
	return fn(ctx, api.NewApprovalsClient(conn))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
