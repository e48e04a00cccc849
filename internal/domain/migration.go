package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はデータベースマイグレーションを表すドメインモデル
type Migration struct {
	Version   string          // マイグレーションバージョン（例: "001", "002"）
	Name      string          // マイグレーション名（ファイル名から抽出）
	Dialect   string          // 対象のSQL方言（mysql, postgres, sqlite）
	AppliedAt *time.Time      // 適用日時（未適用の場合はnil）
	FilePath  string          // 埋め込みFS上のパス
	Status    MigrationStatus // 適用状態
}
