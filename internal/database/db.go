package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Backend はDATABASE_URLから判定した保存先の種類。
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendMemory   Backend = "memory"
)

// BackendOf はDATABASE_URLのスキームから保存先を判定する。
//
//	postgres://… / postgresql://…  PostgreSQL
//	sqlite://path                   SQLiteファイル
//	memory://                       プロセス内メモリ
func BackendOf(databaseURL string) (Backend, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return BackendPostgres, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return BackendSQLite, nil
	case strings.HasPrefix(databaseURL, "memory://"):
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("未対応のDATABASE_URLです: %q", redact(databaseURL))
	}
}

// Open はデータベース接続を開く。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
// memory:// の場合は nil を返す。
func Open(databaseURL string) (*sql.DB, Backend, error) {
	backend, err := BackendOf(databaseURL)
	if err != nil {
		return nil, "", err
	}

	switch backend {
	case BackendPostgres:
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		return db, backend, nil
	case BackendSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(databaseURL))
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		// SQLiteは書き込みが直列化されるため接続を1本に絞る
		db.SetMaxOpenConns(1)
		return db, backend, nil
	default:
		return nil, backend, nil
	}
}

// sqliteDSN は sqlite://path を modernc.org/sqlite のDSNに変換する。
func sqliteDSN(databaseURL string) string {
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_time_format=sqlite"
}

// redact はURLのユーザー情報を伏せる。
func redact(databaseURL string) string {
	scheme, rest, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return databaseURL
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***" + rest[at:]
	}
	return scheme + "://" + rest
}
