package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"watchmyparent-telemetry/internal/export"
	"watchmyparent-telemetry/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	opUserID    string
	opOlderThan time.Duration
	opOut       string
)

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-queue FAILED readings of a user and run one transmission cycle",
	RunE:  withService(runRetryFailed),
}

var transmitCmd = &cobra.Command{
	Use:   "transmit",
	Short: "Run one transmission cycle for a user",
	RunE:  withService(runTransmit),
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Return readings left in TRANSMITTING to PENDING",
	RunE:  withService(runRecover),
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete transmitted readings older than the given age",
	RunE:  withService(runPurge),
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a user's readings and transmission state to Excel",
	RunE:  withService(runExport),
}

func init() {
	retryFailedCmd.Flags().StringVar(&opUserID, "user", "", "user id")
	_ = retryFailedCmd.MarkFlagRequired("user")

	transmitCmd.Flags().StringVar(&opUserID, "user", "", "user id")
	_ = transmitCmd.MarkFlagRequired("user")

	purgeCmd.Flags().DurationVar(&opOlderThan, "older-than", 7*24*time.Hour, "retention window for transmitted readings")

	exportCmd.Flags().StringVar(&opUserID, "user", "", "user id")
	exportCmd.Flags().StringVar(&opOut, "out", "", "output file (default readings_{user}_{timestamp}.xlsx)")
	_ = exportCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(retryFailedCmd, transmitCmd, recoverCmd, purgeCmd, exportCmd)
}

type opFunc func(ctx context.Context, svc *service.RelayService, log *zap.Logger) error

// withService 一次性任务：组装服务（不启动后台循环），执行后释放连接
func withService(op opFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx := cmd.Context()
		svc, err := service.Build(ctx, cfg, log, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		return op(ctx, svc, log)
	}
}

func runRetryFailed(ctx context.Context, svc *service.RelayService, log *zap.Logger) error {
	requeued, err := svc.RequeueFailed(ctx, opUserID)
	if err != nil {
		return err
	}
	if !requeued {
		fmt.Println("no failed readings")
		return nil
	}
	n, err := svc.RunCycle(ctx, opUserID)
	if err != nil {
		return err
	}
	fmt.Printf("re-queued failed readings, transmitted %d\n", n)
	return nil
}

func runTransmit(ctx context.Context, svc *service.RelayService, log *zap.Logger) error {
	n, err := svc.RunCycle(ctx, opUserID)
	if err != nil {
		return err
	}
	pending, err := svc.PendingCount(ctx, opUserID)
	if err != nil {
		return err
	}
	fmt.Printf("transmitted %d, pending %d\n", n, pending)
	return nil
}

func runRecover(ctx context.Context, svc *service.RelayService, log *zap.Logger) error {
	n, err := svc.Recover(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("recovered %d readings\n", n)
	return nil
}

func runPurge(ctx context.Context, svc *service.RelayService, log *zap.Logger) error {
	if opOlderThan <= 0 {
		return errors.New("--older-than must be positive")
	}
	n, err := svc.Purge(ctx, opOlderThan)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d readings\n", n)
	return nil
}

func runExport(ctx context.Context, svc *service.RelayService, log *zap.Logger) error {
	readings, err := svc.Store.FindByUserID(ctx, opUserID)
	if err != nil {
		return fmt.Errorf("failed to load readings: %w", err)
	}

	now := time.Now()
	data, err := export.GenerateReadingsWorkbook(opUserID, readings, now)
	if err != nil {
		return err
	}

	out := opOut
	if out == "" {
		out = fmt.Sprintf("readings_%s_%s.xlsx", opUserID, now.UTC().Format("20060102_150405"))
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	log.Info("Exported readings",
		zap.String("user_id", opUserID),
		zap.Int("count", len(readings)),
		zap.String("file", out),
	)
	return nil
}
