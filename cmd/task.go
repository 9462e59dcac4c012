package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vod-transcoder/app/database"
	"vod-transcoder/app/model"
	"vod-transcoder/app/service"
	"vod-transcoder/app/utils/pathhelper"

	"github.com/spf13/cobra"
)

var (
	enqueueType       string
	enqueuePriority   int
	enqueueRestricted bool
	enqueueAt         string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file>...",
	Short: "手动添加转码任务",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskType, ok := model.ParseTaskType(enqueueType)
		if !ok {
			return fmt.Errorf("--type 只能是 long 或 short: %s", enqueueType)
		}

		var opts []service.TaskOption
		if enqueueRestricted {
			opts = append(opts, service.WithRestricted())
		}
		if enqueueAt != "" {
			when, err := time.Parse(time.RFC3339, enqueueAt)
			if err != nil {
				return fmt.Errorf("--at 需要 RFC3339 时间: %w", err)
			}
			opts = append(opts, service.WithScheduleAt(when))
		}

		cfg, log, store := openStore()
		defer log.Close()
		defer database.Close()

		staging, err := filepath.Abs(cfg.Paths.Processing)
		if err != nil {
			return err
		}

		for _, arg := range args {
			abs, err := filepath.Abs(arg)
			if err != nil {
				return err
			}
			if fi, err := os.Stat(abs); err != nil || fi.IsDir() {
				return fmt.Errorf("文件不存在: %s", abs)
			}
			// 暂存目录里的文件属于正在处理的任务
			if pathhelper.IsSubPath(abs, staging) {
				return fmt.Errorf("不能添加暂存目录中的文件: %s", abs)
			}
			id, err := store.AddTask(cmd.Context(), filepath.Base(abs), abs, taskType, enqueuePriority, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, abs)
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "将 PROCESSING/UPLOADING 状态的任务重置为 PENDING（服务未运行时使用）",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, store := openStore()
		defer log.Close()
		defer database.Close()

		n, err := store.ResetStuckTasks(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已重置 %d 个任务\n", n)
		return nil
	},
}

var statsQueue bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "输出队列统计",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, store := openStore()
		defer log.Close()
		defer database.Close()

		ctx := cmd.Context()

		out := map[string]any{}
		stats, err := store.GetStats(ctx)
		if err != nil {
			return err
		}
		out["queue"] = stats
		history, err := store.GetHistoryStats(ctx)
		if err != nil {
			return err
		}
		out["history"] = history
		if statsQueue {
			items, err := store.GetQueueWithETA(ctx)
			if err != nil {
				return err
			}
			out["items"] = items
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueType, "type", "t", string(model.TaskTypeLong), "视频类型: long 或 short")
	enqueueCmd.Flags().IntVarP(&enqueuePriority, "priority", "p", 0, "优先级，越大越先处理")
	enqueueCmd.Flags().BoolVar(&enqueueRestricted, "restricted", false, "上传到受限内容目录")
	enqueueCmd.Flags().StringVar(&enqueueAt, "at", "", "定时执行时间 (RFC3339)")

	statsCmd.Flags().BoolVarP(&statsQueue, "queue", "q", false, "同时输出带预计时间的队列")

	rootCmd.AddCommand(enqueueCmd, resetCmd, statsCmd)
}
