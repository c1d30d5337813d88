package cmd

import (
	"github.com/spf13/cobra"
)

const projectName = "sbcntr-rental-batch"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "expiry",
	Short: "Expire pending reservations that were left unconfirmed",
	Long: `expiry は最終アクティビティから一定時間(既定 5 分)操作のない
セルフサービス予約を自動で失効させるバッチです。

  expiry sweep [task-token]       pending予約を一括で失効 (Step Functionsのタスクとして実行)
  expiry worker                   遅延チェックの処理と定期スイープを常駐で実行
  expiry check <reservation-id>   予約1件を判定
  expiry schedule <reservation-id> --delay 5m
                                  予約1件の遅延チェックを登録
  expiry migrate                  テーブルを作成・更新
  expiry state-machine            遅延チェック用ステートマシンの定義を出力

設定は環境変数 (DB_HOST, EXPIRY_WINDOW, WORKER_CONCURRENCY など) または --config で指定したYAMLから読み込みます。`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
}
