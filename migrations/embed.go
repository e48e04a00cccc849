// Package migrations は各SQL方言のマイグレーションファイルを埋め込む。
package migrations

import "embed"

// FS は mysql/, postgres/, sqlite/ 配下の {version}_{name}.sql を含む。
//
//go:embed mysql/*.sql postgres/*.sql sqlite/*.sql
var FS embed.FS
