// Command postcaster はAPIサーバー、ワーカー、マイグレーションを起動する。
//
//	postcaster serve        HTTP API
//	postcaster worker       投稿スケジューラとディスパッチワーカー、再クロール、クリーンアップ
//	postcaster migrate      スキーママイグレーション
//	postcaster rollback     最新のマイグレーションを1つ戻す
//	postcaster healthcheck  コンテナのヘルスチェック
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/postcaster/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
