package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモード。引数省略時の既定値。
	CommandServe Command = "serve"
	// CommandWorker は探索・集約ジョブを処理するワーカーモード。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションだけを実行して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// commandServices はコマンドごとのログ上のサービス名。
var commandServices = map[Command]string{
	CommandServe:       "api",
	CommandWorker:      "worker",
	CommandMigrate:     "migrate",
	CommandHealthcheck: "api",
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 以降の引数は無視し、空またはサポート外ならCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	cmd := Command(args[0])
	if _, ok := commandServices[cmd]; !ok {
		return CommandServe
	}
	return cmd
}

// Service はログのserviceフィールドに出力する名前を返す。
func (c Command) Service() string {
	if s, ok := commandServices[c]; ok {
		return s
	}
	return "api"
}
