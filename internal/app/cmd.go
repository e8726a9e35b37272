package app

import "strings"

// Command はアプリケーションの起動モード。
type Command string

const (
	CommandServe  Command = "serve"  // 運用APIのみ
	CommandWorker Command = "worker" // 通知スケジューラと防災情報フィードの監視
	// CommandAll はAPIとワーカーを1プロセスで動かす。memory:// ではこれを使う。
	CommandAll         Command = "all"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck" // distrolessイメージのHEALTHCHECK用
)

var commands = []Command{CommandServe, CommandWorker, CommandAll, CommandMigrate, CommandHealthcheck}

// ParseCommand は先頭の引数からサブコマンドを決める。大文字小文字は区別しない。
// 引数がない場合や未知のサブコマンドはCommandServeとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	for _, c := range commands {
		if string(c) == name {
			return c
		}
	}
	return CommandServe
}
