package app

import (
	"errors"
	"fmt"
)

// Command はpostcasterのサブコマンド。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker はスケジューラー、配信ワーカー、再クロール、クリーンアップを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマを最新まで適用する。
	CommandMigrate Command = "migrate"
	// CommandRollback は最新のマイグレーションを1つ戻す。
	CommandRollback Command = "rollback"
	// CommandHealthcheck はdistrolessコンテナ用のヘルスチェック。
	CommandHealthcheck Command = "healthcheck"
)

// ErrUnknownCommand は未知のサブコマンドを指定した場合のエラー。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand はコマンドライン引数の先頭をサブコマンドとして解釈する。
// 引数がない場合はCommandServe。2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 || args[0] == "" {
		return CommandServe, nil
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandMigrate, CommandRollback, CommandHealthcheck:
		return cmd, nil
	default:
		return "", fmt.Errorf("%w %q (want serve, worker, migrate, rollback or healthcheck)", ErrUnknownCommand, args[0])
	}
}
